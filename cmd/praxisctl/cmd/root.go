package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	host string
	user string
)

var rootCmd = &cobra.Command{
	Use:   "praxisctl",
	Short: "Praxis CLI",
	Long:  `An operator tool to manage lab instances through the Praxis API.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&host, "host", "http://localhost:8080", "Praxis API URL")
	rootCmd.PersistentFlags().StringVar(&user, "user", "", "User ID sent as X-User-ID")
	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func initConfig() {
	viper.SetConfigName(".praxisctl")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("PRAXISCTL")
	viper.AutomaticEnv()

	// A missing config file is fine; flags and env still apply.
	_ = viper.ReadInConfig()

	if !rootCmd.PersistentFlags().Changed("host") {
		if v := viper.GetString("host"); v != "" {
			host = v
		}
	}
	if !rootCmd.PersistentFlags().Changed("user") {
		if v := viper.GetString("user"); v != "" {
			user = v
		}
	}
}
