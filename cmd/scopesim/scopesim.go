package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"github.com/usnistgov/scopesim"
	"github.com/usnistgov/scopesim/internal/asyncbufio"
	"github.com/usnistgov/scopesim/internal/scopedb"
	"github.com/usnistgov/scopesim/internal/statsview"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
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

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	scopesim.SetViperDefaults()

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotScopesim := filepath.Join(HOME, ".scopesim")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotScopesim, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/scopesim"))
	viper.AddConfigPath(dotScopesim)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

// startLogger returns a logger writing to a rotated file through an
// asynchronous buffer, so generator goroutines never wait on the disk.
// Call the returned Writer's Close before exiting.
func startLogger(pfname string) (*log.Logger, *asyncbufio.Writer) {
	rotator := &lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}
	const channelDepth = 1000
	w := asyncbufio.NewWriter(rotator, channelDepth, time.Second)
	return log.New(w, "", log.LstdFlags), w
}

func main() {
	buildDate = strings.ReplaceAll(buildDate, ".", " ")
	scopesim.Build.Date = buildDate
	scopesim.Build.Githash = githash
	scopesim.Build.Gitdate = gitdate
	scopesim.Build.Summary = fmt.Sprintf("scopesim version %s (git commit %s of %s)", scopesim.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		scopesim.Build.Host = host
	} else {
		scopesim.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	pingDB := flag.Bool("pingdb", false, "check the ClickHouse server at clickhouse.addr and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	withStats := flag.Bool("statsview", false, "serve runtime statistics (needs a statsview build)")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is scopesim version %s\n", scopesim.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	if *pingDB {
		if err := scopedb.PingServer(viper.GetString("clickhouse.addr")); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is scopesim version %s (git commit %s)\n", scopesim.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if *withStats {
		statsview.Launch(os.Stdout, viper.GetInt("statsview.port"))
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".scopesim", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	var problemWriter, updateWriter *asyncbufio.Writer
	scopesim.ProblemLogger, problemWriter = startLogger(problemname)
	scopesim.UpdateLogger, updateWriter = startLogger(logname)
	scopedb.Logger = scopesim.ProblemLogger
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	scopesim.UpdateLogger.Printf("\n\n\n\n%s", banner)

	if err := run(); err != nil {
		scopesim.ProblemLogger.Print(err)
		fmt.Println(err)
	}
	writeMemoryProfile(memprofile)
	problemWriter.Close()
	updateWriter.Close()
}

// run builds the engine and its servers from the configuration, and serves
// until SIGINT or SIGTERM.
func run() error {
	cfg, err := scopesim.LoadEngineConfig()
	if err != nil {
		return err
	}
	timebase, err := scopesim.LoadTimebase(cfg)
	if err != nil {
		return err
	}
	scopesim.SetPortnumbers(viper.GetInt("ports.base"))

	abort := make(chan struct{})
	stop := sync.OnceFunc(func() { close(abort) })
	activity := &scopedb.ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  scopesim.Build.Host,
		Githash:   githash,
		Version:   scopesim.Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     scopesim.StartTime,
	}
	db := scopedb.DummyConnection()
	if addr := viper.GetString("clickhouse.addr"); addr != "" {
		db = scopedb.StartDBConnection(activity, abort, addr)
		if !db.IsConnected() {
			scopesim.ProblemLogger.Printf("Not recording activity in ClickHouse at %s: %v", addr, db.Err())
		}
	}

	updates := make(chan scopesim.ClientUpdate, 100)
	go func() {
		if err := scopesim.RunClientUpdater(updates, scopesim.Ports.Status, 5*time.Second, abort); err != nil {
			scopesim.ProblemLogger.Print(err)
		}
	}()

	store := scopesim.NewTraceStore(cfg.DisplayPoints)
	traces := store.Subscribe(10)
	go func() {
		if err := scopesim.PublishTraces(traces, abort, scopesim.Ports.Traces); err != nil {
			scopesim.ProblemLogger.Print(err)
		}
	}()

	sup := scopesim.NewGeneratorSupervisor(cfg, timebase, store)
	sup.SetClientUpdates(updates)
	sup.SetDatabase(db)
	panel := scopesim.NewPanel(sup, updates)

	var enabled []int
	for ch := 1; ch <= scopesim.NumChannels; ch++ {
		p, on, err := scopesim.LoadChannelParameters(ch)
		if err != nil {
			scopesim.ProblemLogger.Printf("Using default settings for channel %d: %v", ch, err)
			p, on = scopesim.DefaultChannelParameters(ch), ch == 1
		}
		if err := panel.SetParameters(ch, p); err != nil {
			return err
		}
		if err := panel.SetConnector(ch, p.ConnectorPlugged); err != nil {
			return err
		}
		if on {
			enabled = append(enabled, ch)
		}
	}
	for _, ch := range enabled {
		if err := panel.EnableChannel(ch, true); err != nil {
			scopesim.ProblemLogger.Printf("Could not start channel %d: %v", ch, err)
		}
	}

	control := scopesim.NewScopeControl(panel, store, viper.GetString("capture.directory"),
		viper.GetInt("capture.wavsamplerate"))
	if url := viper.GetString("nats.url"); url != "" {
		go func() {
			if err := scopesim.RunNATSPanel(control, url, viper.GetString("nats.subject"), abort); err != nil {
				scopesim.ProblemLogger.Print(err)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("\nStopping scopesim...")
		stop()
	}()

	fmt.Printf("Serving JSON-RPC on port %d, status on %d, traces on %d\n",
		scopesim.Ports.RPC, scopesim.Ports.Status, scopesim.Ports.Traces)
	rpcErr := scopesim.RunRPCServer(control, scopesim.Ports.RPC, abort)
	stop()
	var dummy string
	var summary scopesim.RecordingSummary
	control.StopRecording(&dummy, &summary)
	stopErr := sup.StopAll()
	db.Wait()
	if rpcErr != nil {
		return rpcErr
	}
	return stopErr
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
