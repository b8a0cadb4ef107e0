package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vfsbroker/vfsbroker/backend/memfs"
	"github.com/vfsbroker/vfsbroker/blog"
	"github.com/vfsbroker/vfsbroker/broker"
	"github.com/vfsbroker/vfsbroker/config"
)

var (
	serveRootName     string
	serveRootInstance uint64
	serveRootOptions  string
	serveMountsPath   string
	serveBlocking     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker and hold its mount namespace open",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd.Context()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&serveRootName, "root-name", "root", "name of the in-memory backend instance to mount at /")
	flags.Uint64Var(&serveRootInstance, "root-instance", 0, "instance number of the root backend")
	flags.StringVar(&serveRootOptions, "root-options", "", "mount option string for the root backend")
	flags.StringVar(&serveMountsPath, "mounts", "", "path to a YAML mount-replay document (optional, root mount still applies first)")
	flags.BoolVar(&serveBlocking, "blocking", true, "block waiting for backends that register after startup")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	b := broker.NewBroker()

	rootCaps, err := memfsCapabilities(serveRootOptions)
	if err != nil {
		return err
	}
	root := memfs.New(serveRootName, rootCaps)
	b.Registry().Register(serveRootName, serveRootInstance, root)
	if err := b.MountRoot(ctx, serveRootName, serveRootInstance, 0, serveRootOptions, serveBlocking); err != nil {
		return fmt.Errorf("mount root: %w", err)
	}
	blog.Infof(nil, "mounted %s#%d at /", serveRootName, serveRootInstance)

	if serveMountsPath != "" {
		entries, err := config.LoadMounts(serveMountsPath)
		if err != nil {
			return err
		}
		var nested []config.MountEntry
		for _, e := range entries {
			if e.MountPoint == "" || e.MountPoint == "/" {
				continue // root already mounted above
			}
			caps, err := memfsCapabilities(e.Options)
			if err != nil {
				return err
			}
			be := memfs.New(e.FSName, caps)
			b.Registry().Register(e.FSName, e.Instance, be)
			nested = append(nested, e)
		}
		if serveBlocking {
			if err := config.WaitForBackends(ctx, b.Registry(), nested); err != nil {
				return fmt.Errorf("waiting for replay backends: %w", err)
			}
		}
		if err := config.Replay(ctx, b, nested, serveBlocking); err != nil {
			return err
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	blog.Infof(nil, "broker ready, waiting for shutdown signal")
	<-sig
	blog.Infof(nil, "shutting down")
	b.Registry().Shutdown()
	return nil
}
