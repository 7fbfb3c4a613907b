package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vitaliisemenov/rescache"
	"github.com/vitaliisemenov/rescache/internal/obslog"
)

var (
	version = "dev"

	baseURL        string
	logLevel       string
	logFormat      string
	expirationTime time.Duration
	cfgFile        string
)

var rootCmd = &cobra.Command{
	Use:     "rescachectl",
	Short:   "Inspect and exercise a rescache Service from the command line",
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.rescachectl.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "https://httpbin.org", "base URL resources are resolved against")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "text or json")
	rootCmd.PersistentFlags().DurationVar(&expirationTime, "expiration-time", 30*time.Second, "default resource expiration_time")

	_ = viper.BindPFlag("base-url", rootCmd.PersistentFlags().Lookup("base-url"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("expiration-time", rootCmd.PersistentFlags().Lookup("expiration-time"))

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(watchCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".rescachectl")
	}
	viper.SetEnvPrefix("RESCACHECTL")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func newService() (*rescache.Service, error) {
	logger := obslog.New(obslog.Config{
		Level:  viper.GetString("log-level"),
		Format: viper.GetString("log-format"),
		Output: "stderr",
	})
	svc, err := rescache.NewService(
		viper.GetString("base-url"),
		rescache.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	svc.Configure(rescache.GlobPattern("**"), nil, "cli default expiration",
		rescache.WithExpirationTime(viper.GetDuration("expiration-time")))
	return svc, nil
}

func printEvent(r *rescache.Resource, ev rescache.ObserverEvent) {
	switch ev.Kind {
	case rescache.EventNewData:
		fmt.Printf("[%s] NewData(%s) latest_data=%v\n", r.URL(), ev.Source, r.LatestData().Content)
	case rescache.EventErrorEvent:
		fmt.Printf("[%s] Error: %v\n", r.URL(), r.LatestError())
	default:
		fmt.Printf("[%s] %s\n", r.URL(), ev.Kind)
	}
}
