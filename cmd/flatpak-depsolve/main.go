package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/handlers"

	"github.com/joelanford/flatpak-oci/internal/flatpak"
	"github.com/joelanford/flatpak-oci/internal/util"
	"github.com/joelanford/flatpak-oci/registry"
)

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var (
		remoteName string
		arch       string
		glDrivers  stringList
		listenAddr string
		flatpakBin string
	)

	fs := flag.NewFlagSet("flatpak-depsolve", flag.ExitOnError)
	fs.StringVar(&remoteName, "remote-name", "flatpak", "Name to add the remote under.")
	fs.StringVar(&arch, "arch", flatpak.DefaultArch(), "Architecture of refs given without one.")
	fs.Var(&glDrivers, "gl-driver", "GL driver extension to pull, may be repeated. (default \"default\")")
	fs.StringVar(&listenAddr, "listen-addr", "", "Serve the solved packages as entities on this address instead of exiting.")
	fs.StringVar(&flatpakBin, "flatpak", "flatpak", "Path to the flatpak binary.")
	logOpts := util.LogOptions(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] REMOTE FLATPAKS\n\nREMOTE is a .flatpakrepo file, FLATPAKS a file of refs or '-' for stdin.\n\n", fs.Name())
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(2)
	}
	log := util.NewLogger("flatpak-depsolve", logOpts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	refs, err := util.ReadLines(fs.Arg(1), os.Stdin)
	if err != nil {
		log.Fatal(err, "read flatpaks")
	}
	repoFile, err := flatpak.LoadRepoFile(fs.Arg(0))
	if err != nil {
		log.Fatal(err, "load remote")
	}

	tmp, err := os.MkdirTemp("", "flatpak-depsolve-")
	if err != nil {
		log.Fatal(err, "create installation")
	}
	// log.Fatal exits without running deferred calls.
	fatal := func(err error, msg string) {
		os.RemoveAll(tmp)
		log.Fatal(err, msg)
	}

	inst := flatpak.NewInstallation(tmp)
	inst.Flatpak = flatpakBin
	inst.Log = log.WithName("installation")
	if err := inst.AddRemote(ctx, remoteName, fs.Arg(0)); err != nil {
		fatal(err, "add remote")
	}

	solver := flatpak.NewSolver(inst, remoteName, repoFile)
	solver.Arch = arch
	if len(glDrivers) > 0 {
		solver.GLDrivers = glDrivers
	}
	solver.Log = log.WithName("solver")

	pkgs, err := solver.Solve(ctx, refs)
	if err != nil {
		fatal(err, "depsolve")
	}
	os.RemoveAll(tmp)

	if listenAddr == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(pkgs); err != nil {
			log.Fatal(err, "write result")
		}
		return
	}

	reg := registry.New()
	reg.Log = log.WithName("registry")
	if err := reg.UpsertPackages(pkgs); err != nil {
		log.Fatal(err, "register packages")
	}
	srv := &http.Server{
		Addr:    listenAddr,
		Handler: handlers.CombinedLoggingHandler(os.Stderr, handlers.CompressHandler(reg.Handler())),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Info("listening", "addr", listenAddr, "packages", reg.Len())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err, "serve")
	}
}
