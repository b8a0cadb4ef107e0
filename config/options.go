// Package config decodes the mount option strings the broker accepts
// at MOUNT/MOUNT_ROOT time, and loads the startup mount-replay list.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Getter looks up a raw option value by its snake_case key. Options
// implements it directly; callers may also supply their own, the way
// a configmap.Mapper does for rclone backends.
type Getter interface {
	Get(key string) (value string, ok bool)
}

// Options is a parsed "key=value,key2=value2" mount option string.
type Options map[string]string

// ParseOptions splits s on commas into key=value pairs. A bare key
// with no "=" is recorded with an empty value, letting boolean flags
// be written as just the flag name.
func ParseOptions(s string) Options {
	out := make(Options)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '='); i >= 0 {
			out[part[:i]] = part[i+1:]
		} else {
			out[part] = ""
		}
	}
	return out
}

// Get implements Getter.
func (o Options) Get(key string) (string, bool) {
	v, ok := o[key]
	return v, ok
}

// Set decodes m into out, a pointer to a struct whose exported fields
// are tagged `opt:"name"` (the tag may be omitted, in which case the
// field's name is converted to snake_case). Unset keys leave the
// field at its current value, so callers can pre-populate defaults.
func Set(m Getter, out any) error {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("config.Set: argument must be a pointer")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("config.Set: argument must be a pointer to a struct")
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Tag.Get("opt")
		if name == "" {
			name = toSnakeCase(field.Name)
		}
		raw, ok := m.Get(name)
		if !ok {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return fmt.Errorf("config.Set: field %s: %w", field.Name, err)
		}
	}
	return nil
}

func setField(f reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Bool:
		if raw == "" {
			f.SetBool(true)
			return nil
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 0, 64)
		if err != nil {
			return err
		}
		f.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			return err
		}
		f.SetUint(n)
	default:
		return fmt.Errorf("unsupported option field kind %s", f.Kind())
	}
	return nil
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
