package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/reddustproject/reddust"
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

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
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

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("osc.rate", 60.0)
	viper.SetDefault("serial.rate", 60.0)
	viper.SetDefault("playback.tickrate", 60.0)
	viper.SetDefault("scaling.lopercentile", reddust.DefaultLoPercentile)
	viper.SetDefault("scaling.hipercentile", reddust.DefaultHiPercentile)
	viper.SetDefault("scaling.sentinelmin", reddust.DefaultSentinelMin)
	viper.SetDefault("scaling.sentinelmax", reddust.DefaultSentinelMax)
	viper.SetDefault("baseport", 6500)

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotReddust := filepath.Join(HOME, ".reddust")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotReddust, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/reddust"))
	viper.AddConfigPath(dotReddust)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig()
	if err != nil {
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

// logUDPBufferSizes notes the kernel's UDP buffer limits. The OSC sinks send
// fire-and-forget datagrams; tiny kernel buffers on a loaded host show up as
// silent drops, so the values are worth a line in the log.
func logUDPBufferSizes() {
	for _, key := range []string{"net.core.wmem_max", "net.core.rmem_max"} {
		if val, err := sysctl.Get(key); err == nil {
			reddust.UpdateLogger.Printf("%s = %s", key, val)
		}
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	reddust.Build.Date = buildDate
	reddust.Build.Githash = githash
	reddust.Build.Gitdate = gitdate
	reddust.Build.Summary = fmt.Sprintf("REDDUST version %s (git commit %s of %s)", reddust.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		reddust.Build.Host = host
	} else {
		reddust.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is REDDUST version %s\n", reddust.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is REDDUST version %s (git commit %s)\n", reddust.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".reddust", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	reddust.ProblemLogger = startLogger(problemname)
	reddust.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	reddust.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	reddust.SetPortnumbers(viper.GetInt("baseport"))
	logUDPBufferSizes()

	abort := make(chan struct{})
	messages := make(chan reddust.ClientUpdate, 256)
	go reddust.RunClientUpdater(messages, reddust.Ports.Status, abort)
	reddust.RunRPCServer(messages, reddust.Ports.RPC)
	close(abort)
}
