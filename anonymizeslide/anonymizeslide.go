package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	anonymize "github.com/bgilbert/anonymize-slide"
	"github.com/sirupsen/logrus"
)

// Delete the slide label from MRXS, NDPI, SVS and Ventana whole-slide
// images, in place.
func main() {
	var debug bool
	flag.BoolVar(&debug, "d", false, "show debugging information")
	flag.BoolVar(&debug, "debug", false, "show debugging information")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [-d|--debug] file [file...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "specify a file")
		flag.Usage()
		os.Exit(2)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	args := flag.Args()
	var filenames []string
	if runtime.GOOS == "windows" {
		// The shell expects us to do wildcard expansion.
		for _, arg := range args {
			matches, err := filepath.Glob(arg)
			if err != nil || len(matches) == 0 {
				filenames = append(filenames, arg)
				continue
			}
			filenames = append(filenames, matches...)
		}
	} else {
		filenames = args
	}

	cfg := &anonymize.Config{Log: log}
	exitCode := 0
	for _, filename := range filenames {
		if err := anonymize.Anonymize(cfg, filename); err != nil {
			if debug {
				fmt.Fprintf(os.Stderr, "%s: %+v\n", filename, err)
			} else {
				fmt.Fprintf(os.Stderr, "%s: %v\n", filename, err)
			}
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}
