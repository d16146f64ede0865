// Command simulate writes a synthetic input catalog for jointcal: a grid of
// dithered visits over the same stars, with known distortions and
// calibrations, plus a noisy reference catalog.
package main

import (
	"flag"
	"fmt"
	"os"

	"jointcal/internal/project"
	"jointcal/internal/simulate"
	"jointcal/internal/version"
)

func main() {
	defaults := simulate.DefaultOptions()
	output := flag.String("output", "catalog.json", "Path to write the catalog (JSON)")
	visits := flag.Int("visits", defaults.Visits, "Number of visits")
	ccds := flag.Int("ccds", defaults.Ccds, "Number of detectors per visit")
	stars := flag.Int("stars", defaults.StarsPerCcd, "Stars per detector")
	seed := flag.Int64("seed", defaults.Seed, "Random seed")
	outliers := flag.Float64("outliers", 0, "Fraction of measurements shifted off their star")
	refError := flag.Float64("referr", defaults.RefError, "Reference position error; 0 writes no references")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("simulate"))
		return
	}

	opts := defaults
	opts.Visits = *visits
	opts.Ccds = *ccds
	opts.StarsPerCcd = *stars
	opts.Seed = *seed
	opts.OutlierFraction = *outliers
	opts.RefError = *refError

	sky, err := simulate.Generate(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to simulate: %v\n", err)
		os.Exit(1)
	}

	cat := project.NewCatalog(fmt.Sprintf("simulated seed %d", opts.Seed))
	nStars := 0
	for _, img := range sky.Images {
		cat.AddCcdImage(img)
		nStars += len(img.Catalog)
	}
	for _, r := range sky.Refs {
		cat.AddRefStar(r)
	}
	if err := cat.Save(*output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save catalog: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s: %d images, %d measurements (%d outliers), %d reference stars\n",
		*output, len(sky.Images), nStars, len(sky.Outliers), len(sky.Refs))
}
