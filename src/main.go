package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	listen      string
	caDir       string
	filters     []string
	mimeFilters []string
	web         bool
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:   "proxyfor [url]",
		Short: "proxyfor - intercepting proxy for inspecting HTTP(S) traffic",
		Long: `proxyfor records client-originated HTTP transactions, including those
tunneled through TLS, and exposes the captured traffic over a live
inspection interface. Pass a base URL to run as a reverse proxy.`,
		Example: `  proxyfor
  proxyfor -l 127.0.0.1:9080
  proxyfor http://example.test
  proxyfor -f 'GET https://api.test/*' -m application/json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if flags.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

			reverseProxyURL := ""
			if len(args) == 1 {
				reverseProxyURL = strings.TrimSuffix(args[0], "/")
			}

			ca, err := newCertAuthority(flags.caDir)
			if err != nil {
				return fmt.Errorf("init certificate authority: %w", err)
			}

			titleFilters := make([]titleFilter, 0, len(flags.filters))
			for _, f := range flags.filters {
				titleFilters = append(titleFilters, newTitleFilter(f))
			}

			server := newServer(serverConfig{
				ReverseProxyURL: reverseProxyURL,
				CA:              ca,
				TitleFilters:    titleFilters,
				MimeFilters:     flags.mimeFilters,
			})

			ln, err := net.Listen("tcp", flags.listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", flags.listen, err)
			}

			httpServer := &http.Server{Handler: server}

			go func() {
				sigc := make(chan os.Signal, 1)
				signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
				<-sigc
				slog.Info("shutting down")
				_ = httpServer.Close()
			}()

			slog.Info("listening", "addr", ln.Addr().String())
			if reverseProxyURL != "" {
				slog.Info("reverse proxy", "url", reverseProxyURL)
			}
			if flags.web {
				slog.Info("web ui", "url", fmt.Sprintf("http://%s%s/", ln.Addr(), webUIPrefix))
				slog.Info("install ca", "url", certSiteURL)
			}

			if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.listen, "listen", "l", "127.0.0.1:8080", "address for the proxy and inspection UI to listen on")
	cmd.Flags().StringVar(&flags.caDir, "ca", "./ca", "directory holding the persistent CA cert and key")
	cmd.Flags().StringArrayVarP(&flags.filters, "filters", "f", nil, "dump only transactions whose '{METHOD} {URL}' matches (substring or glob)")
	cmd.Flags().StringArrayVarP(&flags.mimeFilters, "mime-filters", "m", nil, "dump only responses whose Content-Type matches")
	cmd.Flags().BoolVarP(&flags.web, "web", "w", false, "print the inspection UI and CA install URLs at startup")
	cmd.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose logging")

	return cmd
}
