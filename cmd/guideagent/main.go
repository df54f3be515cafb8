/*Command guideagent runs the autoguiding agent's Session Supervisor (C6)
behind an HTTP control surface, following
cmd/andorhttp3/main.go's run/help/mkconf/conf/version command-word shape.
*/
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/theckman/yacspin"
	"goji.io"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/detector"
	"github.com/jplguide/guideagent/frame"
	"github.com/jplguide/guideagent/httpapi"
	"github.com/jplguide/guideagent/mount"
	"github.com/jplguide/guideagent/session"
	"github.com/jplguide/guideagent/settings"
)

// Version is the build version, typically injected via ldflags.
var Version = "1"

// ConfigFileName is the settings file read on startup and written after
// every successful calibration.
const ConfigFileName = "guideagent.yml"

func main() {
	args := os.Args
	if len(args) < 2 {
		help()
		os.Exit(1)
	}
	switch args[1] {
	case "run":
		run()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "help":
		help()
	default:
		fmt.Printf("unknown command %q\n", args[1])
		help()
		os.Exit(1)
	}
}

func help() {
	fmt.Println(`guideagent -- an autoguiding agent

usage:
	guideagent <command>

commands:
	run      start the HTTP control surface
	mkconf   write a default guideagent.yml to the working directory
	conf     print the active configuration
	version  print the build version
	help     print this message`)
}

func pversion() {
	fmt.Printf("guideagent version %s\n", Version)
}

func mkconf() {
	if _, err := os.Stat(ConfigFileName); err == nil {
		log.Fatalf("%s already exists, refusing to overwrite", ConfigFileName)
	}
	if err := session.SaveSettings(ConfigFileName, settings.Default()); err != nil {
		log.Fatal(errors.Wrap(err, "writing default config"))
	}
	fmt.Printf("wrote default configuration to %s\n", ConfigFileName)
}

func printconf() {
	cfg, err := session.LoadSettings(ConfigFileName)
	if err != nil {
		log.Fatal(errors.Wrap(err, "loading config"))
	}
	fmt.Printf("%+v\n", cfg)
}

// run wires a mock camera and mount as the collaborators and serves the
// httpapi control surface.
func run() {
	cfg, err := session.LoadSettings(ConfigFileName)
	if err != nil {
		log.Fatal(errors.Wrap(err, "loading config"))
	}

	spinner, serr := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " bringing up guideagent",
		SuffixAutoColon: true,
		Message:         "starting",
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if serr == nil {
		_ = spinner.Start()
	}

	cam := camera.NewMock(1280, 960)
	acq := frame.NewAcquirer(cam, cfg.ExposureS, 1280, 960)
	m := mount.NewMock()

	sup := session.NewSupervisor(acq, acq, m, cfg, detector.Selection, detector.ReferenceOptions{})
	sup.SettingsPath = ConfigFileName
	sup.CSVDir = "logs"

	if spinner != nil {
		spinner.Message("listening")
		_ = spinner.Stop()
	}

	mux := goji.NewMux()
	httpapi.New(sup).Bind(mux)

	addr := ":8080"
	color.Green("guideagent %s listening on %s", Version, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
