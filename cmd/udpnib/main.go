package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/usnistgov/udpnib"
	"github.com/usnistgov/udpnib/internal/nibdb"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper says where to find config files and reads the first one found,
// creating an empty ~/.udpnib/config.yaml if needed.
func setupViper() error {
	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotUdpnib := filepath.Join(HOME, ".udpnib")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotUdpnib, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/udpnib"))
	viper.AddConfigPath(dotUdpnib)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// startLogging sends the problem and update logs to rotating files under ~/.udpnib/logs.
func startLogging(banner string) error {
	HOME, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	logdir := filepath.Join(HOME, ".udpnib", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		return err
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		return err
	}
	udpnib.ProblemLogger = startLogger(problemname)
	udpnib.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems to %s\n", problemname)
	fmt.Printf("Logging updates  to %s\n\n", logname)
	udpnib.UpdateLogger.Printf("\n\n\n\n%s", banner)
	return nil
}

func newRootCommand() *cobra.Command {
	var printVersion bool
	var cpuprofile, memprofile string
	cmd := &cobra.Command{
		Use:   "udpnib [flags] [i_distrib n_distrib destination...]",
		Short: "Receive one distributor's share of a sequence-numbered UDP stream and fan it out in order",
		Long: `udpnib receives UDP packets carrying a 64-bit sequence counter, restores their
order, fills the slots of lost packets, and sends the result to its destinations
in round-robin buffers. Destinations are tcp://host:port (or host:port),
zmq://host:port, shm://ring, or null:.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printVersion {
				fmt.Printf("This is udpnib version %s\n", udpnib.Build.Version)
				fmt.Printf("Git commit hash: %s\n", githash)
				fmt.Printf("Build time: %s\n", buildDate)
				fmt.Printf("Built on go version %s\n", runtime.Version())
				fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
				return nil
			}
			if cpuprofile != "" {
				f, err := os.Create(cpuprofile)
				if err != nil {
					return err
				}
				pprof.StartCPUProfile(f)
				defer pprof.StopCPUProfile()
			}
			err := run(cmd, args)
			writeMemoryProfile(memprofile)
			return err
		},
	}
	cmd.Flags().BoolVar(&printVersion, "version", false, "print version and quit")
	cmd.Flags().StringVar(&cpuprofile, "cpuprofile", "", "write CPU profile to given file")
	cmd.Flags().StringVar(&memprofile, "memprofile", "", "write memory profile to given file")
	addDistributorFlags(cmd)
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	banner := fmt.Sprintf("\nThis is udpnib version %s (git commit %s)\n", udpnib.Build.Version, githash)
	fmt.Print(banner)
	if err := startLogging(banner); err != nil {
		return err
	}
	if err := setupViper(); err != nil {
		return err
	}
	cfg, err := loadConfig(viper.GetViper(), cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var opts []udpnib.Option
	if cfg.StatusPort > 0 {
		sp, err := udpnib.NewStatusPublisher(cfg.StatusPort)
		if err != nil {
			return err
		}
		defer sp.Close()
		opts = append(opts, udpnib.WithStatusUpdates(sp.Updates()))
	}
	if cfg.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, udpnib.WithMetrics(udpnib.NewMetrics(reg)))
		srv := udpnib.ServeMetrics(cfg.MetricsAddress, reg)
		defer srv.Close()
	}

	abort := make(chan struct{})
	defer close(abort)
	if cfg.Database {
		host, _ := os.Hostname()
		activity := &nibdb.ActivityMessage{
			ID:        ulid.Make().String(),
			Hostname:  host,
			Githash:   githash,
			Version:   udpnib.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			IDistrib:  cfg.IDistrib,
			NDistrib:  cfg.NDistrib,
			Start:     time.Now(),
		}
		db := nibdb.StartConnection(cfg.DatabaseAddress, activity, abort)
		opts = append(opts, udpnib.WithDatabase(db))
	}

	d, err := udpnib.NewDistributor(cfg, opts...)
	if err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interrupt
		udpnib.UpdateLogger.Printf("received %v, quitting", sig)
		d.Quit()
	}()

	fmt.Printf("distributor %d of %d serving %d destinations\n", cfg.IDistrib, cfg.NDistrib, len(cfg.Destinations))
	if err := d.Run(); err != nil {
		var oe *udpnib.OverrunError
		if errors.As(err, &oe) {
			fmt.Printf("destination %d could not keep up\n", oe.Index)
		}
		return err
	}
	if rs, n := d.LastRun(); n > 0 {
		fmt.Printf("last run %s ended (%s): %d packets received, %d filled\n",
			rs.RunID, rs.StopReason(), rs.Totals.PacketsReceived, rs.Totals.PacketsDropped)
	}
	return nil
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` is an empty string, do not write.
func writeMemoryProfile(memprofile string) {
	if memprofile == "" {
		return
	}
	f, err := os.Create(memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	udpnib.Build.Date = buildDate
	udpnib.Build.Githash = githash
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
