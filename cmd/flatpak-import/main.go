package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joelanford/flatpak-oci/internal/importer"
	"github.com/joelanford/flatpak-oci/internal/oci"
	"github.com/joelanford/flatpak-oci/internal/ostree"
	"github.com/joelanford/flatpak-oci/internal/util"
)

func main() {
	var (
		ostreeBin string
		tmpDir    string
		mode      string
		noSummary bool
	)

	fs := flag.NewFlagSet("flatpak-import", flag.ExitOnError)
	fs.StringVar(&ostreeBin, "ostree", "ostree", "Path to the ostree binary.")
	fs.StringVar(&tmpDir, "tmpdir", "/var/tmp", "Directory to unpack images in.")
	fs.StringVar(&mode, "mode", ostree.ModeArchive, "Mode of the repository when it is created.")
	fs.BoolVar(&noSummary, "no-summary", false, "Do not update the repository summary.")
	logOpts := util.LogOptions(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] REGISTRY REPO IMAGES\n\nIMAGES is a file of manifest digests or '-' for stdin.\n\n", fs.Name())
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() != 3 {
		fs.Usage()
		os.Exit(2)
	}
	log := util.NewLogger("flatpak-import", logOpts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	images, err := util.ReadLines(fs.Arg(2), os.Stdin)
	if err != nil {
		log.Fatal(err, "read images")
	}

	registryDir, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		log.Fatal(err, "resolve registry path")
	}
	layout, err := oci.Open(registryDir)
	if err != nil {
		log.Fatal(err, "open registry")
	}
	layout.Log = log.WithName("layout")

	repoDir, err := filepath.Abs(fs.Arg(1))
	if err != nil {
		log.Fatal(err, "resolve repo path")
	}
	repo := ostree.NewRepo(repoDir)
	repo.Ostree = ostreeBin
	repo.Log = log.WithName("ostree")

	imp := importer.New(layout, repo)
	imp.TmpDir = tmpDir
	imp.Mode = mode
	imp.NoSummary = noSummary
	imp.Log = log.WithName("importer")
	imp.Extractor.Log = log.WithName("layer")

	if err := imp.Run(ctx, images); err != nil {
		log.Fatal(err, "import")
	}
}
