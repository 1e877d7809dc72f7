package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joelanford/flatpak-oci/api"
	"github.com/joelanford/flatpak-oci/internal/fetch"
	"github.com/joelanford/flatpak-oci/internal/oci"
	"github.com/joelanford/flatpak-oci/internal/util"
)

func main() {
	var (
		skopeo          string
		preserveDigests bool
	)

	fs := flag.NewFlagSet("flatpak-fetch", flag.ExitOnError)
	fs.StringVar(&skopeo, "skopeo", "skopeo", "Path to the skopeo binary.")
	fs.BoolVar(&preserveDigests, "preserve-digests", true, "Refuse copies that would change manifest digests.")
	logOpts := util.LogOptions(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] OCI-DIR DEPSOLVE-JSON\n\nDEPSOLVE-JSON is the output of flatpak-depsolve or '-' for stdin.\n\n", fs.Name())
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(2)
	}
	log := util.NewLogger("flatpak-fetch", logOpts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		data []byte
		err  error
	)
	if fs.Arg(1) == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(fs.Arg(1))
	}
	if err != nil {
		log.Fatal(err, "read depsolve result")
	}
	var pkgs api.Packages
	if err := json.Unmarshal(data, &pkgs); err != nil {
		log.Fatal(err, "decode depsolve result")
	}

	layout, err := oci.Open(fs.Arg(0))
	if err != nil {
		log.Fatal(err, "open layout")
	}
	layout.Log = log.WithName("layout")

	f := fetch.New(layout)
	f.Skopeo = skopeo
	f.PreserveDigests = preserveDigests
	f.Log = log.WithName("fetch")

	digests, err := f.Fetch(ctx, pkgs)
	if err != nil {
		log.Fatal(err, "fetch")
	}
	for _, d := range digests {
		fmt.Println(d)
	}
}
