// Command jointcal fits the astrometric and photometric calibration of a set
// of overlapping images against each other and an optional reference catalog.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"jointcal/internal/app"
	"jointcal/internal/config"
	"jointcal/internal/logger"
	"jointcal/internal/project"
	"jointcal/internal/version"
)

func main() {
	configPath := flag.String("config", "", "Path to run configuration (YAML); defaults apply when empty")
	inputPath := flag.String("input", "", "Path to input catalog (JSON)")
	outputPath := flag.String("output", "results.json", "Path to write results (JSON)")
	resTuple := flag.String("restuple", "", "Prefix for per-measurement residual tables")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("jointcal"))
		return
	}
	if *inputPath == "" {
		fmt.Println("Usage: jointcal -input <catalog.json> [-config run.yaml] [-output results.json] [-restuple prefix]")
		os.Exit(1)
	}

	if err := run(*configPath, *inputPath, *outputPath, *resTuple); err != nil {
		fmt.Fprintf(os.Stderr, "jointcal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, inputPath, outputPath, resTuple string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFromPath(configPath); err != nil {
			return err
		}
	}
	level, err := cfg.Level()
	if err != nil {
		return errors.Wrap(config.ErrInvalid, err.Error())
	}
	log := logger.NewStdOutLogger(level)
	log.Infof("%s", version.String("jointcal"))

	cat, err := project.LoadCatalog(inputPath)
	if err != nil {
		return err
	}
	log.Infof("loaded %d images and %d reference stars from %s", len(cat.Images), len(cat.RefStars), inputPath)

	runner, err := app.NewRunner(cfg, log)
	if err != nil {
		return err
	}
	res, err := runner.Run(cat)
	if err != nil {
		return err
	}
	if err := res.Save(outputPath); err != nil {
		return errors.Wrapf(err, "save %s", outputPath)
	}
	log.Infof("wrote %s", outputPath)

	if resTuple == "" {
		return nil
	}
	for _, stage := range []app.Stage{app.StageAstrometry, app.StagePhotometry} {
		if (stage == app.StageAstrometry && cfg.Astrometry.Skip) || (stage == app.StagePhotometry && cfg.Photometry.Skip) {
			continue
		}
		path := fmt.Sprintf("%s-%s.tsv", resTuple, stage)
		if err := writeResTuple(runner, stage, path); err != nil {
			return err
		}
		log.Infof("wrote %s", path)
	}
	return nil
}

func writeResTuple(runner *app.Runner, stage app.Stage, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create residual table")
	}
	if err := runner.WriteResTuple(stage, f); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
