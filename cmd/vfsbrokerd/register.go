package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vfsbroker/vfsbroker/backend"
	"github.com/vfsbroker/vfsbroker/backend/memfs"
	"github.com/vfsbroker/vfsbroker/broker"
	"github.com/vfsbroker/vfsbroker/config"
)

var (
	regName       string
	regInstance   uint64
	regMountPoint string
	regOptions    string
)

var registerCmd = &cobra.Command{
	Use:   "register-backend",
	Short: "Register and mount one in-memory backend instance, then print the mount table",
	Long: `
register-backend is a scripting aid: it builds a fresh broker, mounts
an in-memory backend instance at --mount-point (as the root when that
is "/"; otherwise under an in-memory bootstrap root, creating the
mount-point directory first), and prints the resulting mount table.
There is no standing daemon to attach a backend to over the wire here
since the broker/backend boundary in this repository is an in-process
interface, not a socket; this command exists so the registration and
mount path can be exercised and scripted without writing Go.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRegister(cmd.Context()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	flags := registerCmd.Flags()
	flags.StringVar(&regName, "name", "memfs", "filesystem name to register the backend under")
	flags.Uint64Var(&regInstance, "instance", 0, "instance number to register the backend under")
	flags.StringVar(&regMountPoint, "mount-point", "/", "where to mount the backend")
	flags.StringVar(&regOptions, "options", "", "mount option string, parsed with config.ParseOptions")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(ctx context.Context) error {
	caps, err := memfsCapabilities(regOptions)
	if err != nil {
		return err
	}

	b := broker.NewBroker()
	be := memfs.New(regName, caps)
	b.Registry().Register(regName, regInstance, be)

	if regMountPoint == "" || regMountPoint == "/" {
		if err := b.MountRoot(ctx, regName, regInstance, 0, regOptions, false); err != nil {
			return fmt.Errorf("mount %s#%d at /: %w", regName, regInstance, err)
		}
	} else {
		bootstrap := memfs.New("bootstrap-root", backend.Capabilities{})
		b.Registry().Register("bootstrap-root", 0, bootstrap)
		if err := b.MountRoot(ctx, "bootstrap-root", 0, 0, "", false); err != nil {
			return fmt.Errorf("mount bootstrap root: %w", err)
		}
		sess := broker.NewSession()
		fd, err := b.Walk(ctx, sess, -1, regMountPoint, broker.FDirectory|broker.FCreate)
		if err != nil {
			return fmt.Errorf("create mount point %s: %w", regMountPoint, err)
		}
		if err := b.Close(ctx, sess, fd); err != nil {
			return fmt.Errorf("release mount point %s: %w", regMountPoint, err)
		}
		if err := b.MountAt(ctx, regMountPoint, regName, regInstance, 0, regOptions, false); err != nil {
			return fmt.Errorf("mount %s#%d at %s: %w", regName, regInstance, regMountPoint, err)
		}
	}

	count, err := b.StreamMtab(func(e broker.MtabEntry) error {
		fmt.Printf("%s\t%s#%d\t%s\n", e.MountPoint, e.FSName, e.Instance, e.Options)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d mount(s)\n", count)
	return nil
}
