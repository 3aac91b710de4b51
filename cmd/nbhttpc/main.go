package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/liangmanlin/nbhttpc/httpc"
	"github.com/liangmanlin/nbhttpc/kernel"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var rootCmd = &cobra.Command{
	Use:   "nbhttpc",
	Short: "Non-blocking HTTP/1.1 client",
	Long: `nbhttpc drives HTTP/1.1 exchanges over a bounded pool of reusable
connections on an epoll reactor. Use it for one-off requests, quick load tests
or an interactive session that keeps its connections warm.`,
	SilenceUsage: true,
}

var (
	configFlag      string
	debugFlag       bool
	insecureFlag    bool
	maxTotalFlag    int
	maxPerRouteFlag int
	timeoutFlag     time.Duration
	headerFlags     []string
	jsonPathFlag    string
	includeFlag     bool
	noColorFlag     bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFlag, "config", "c", "", "YAML config file")
	pf.BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	pf.BoolVarP(&insecureFlag, "insecure", "k", false, "Skip TLS certificate verification")
	pf.IntVar(&maxTotalFlag, "max-total", 0, "Maximum connections in total")
	pf.IntVar(&maxPerRouteFlag, "max-per-route", 0, "Maximum connections per route")
	pf.DurationVarP(&timeoutFlag, "timeout", "t", 30*time.Second, "Timeout for a single exchange")
	pf.StringArrayVarP(&headerFlags, "header", "H", nil, "Request header, \"Key: Value\"")
	pf.StringVar(&jsonPathFlag, "json-path", "", "Print only this gjson path of a JSON body")
	pf.BoolVarP(&includeFlag, "include", "i", false, "Print response headers")
	pf.BoolVar(&noColorFlag, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(shellCmd)
}

func main() {
	kernel.Env.WriteLogStd = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newClient 配置文件在前，命令行参数覆盖
func newClient(extra ...httpc.Option) (*httpc.Client, error) {
	if noColorFlag {
		color.NoColor = true
	}
	var opts []httpc.Option
	if configFlag != "" {
		cfg, err := httpc.LoadConfig(configFlag)
		if err != nil {
			return nil, err
		}
		if err = cfg.ApplyLog(); err != nil {
			return nil, err
		}
		if opts, err = cfg.Options(); err != nil {
			return nil, err
		}
	}
	if debugFlag {
		kernel.SetLogLevel(kernel.LogLevelDebug)
	}
	if insecureFlag {
		opts = append(opts, httpc.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	if maxTotalFlag > 0 {
		opts = append(opts, httpc.WithMaxTotal(maxTotalFlag))
	}
	if maxPerRouteFlag > 0 {
		opts = append(opts, httpc.WithMaxPerRoute(maxPerRouteFlag))
	}
	if timeoutFlag > 0 {
		opts = append(opts, httpc.WithExchangeTimeout(timeoutFlag))
	}
	opts = append(opts, extra...)
	return httpc.New(opts...)
}

func requestOptions() ([]httpc.RequestOption, error) {
	var opts []httpc.RequestOption
	for _, h := range headerFlags {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("bad header %q, want \"Key: Value\"", h)
		}
		opts = append(opts, httpc.WithHeader(strings.TrimSpace(k), strings.TrimSpace(v)))
	}
	return opts, nil
}

func statusColor(code int) *color.Color {
	switch {
	case code >= 500:
		return color.New(color.FgRed, color.Bold)
	case code >= 400:
		return color.New(color.FgRed)
	case code >= 300:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func printResponse(resp *httpc.Response, elapsed time.Duration) {
	statusColor(resp.StatusCode).Printf("%s %s", resp.Proto, resp.Status)
	color.New(color.Faint).Printf("  (%s, %d bytes)\n", elapsed.Truncate(time.Microsecond), len(resp.Body))
	if includeFlag {
		cyan := color.New(color.FgCyan).SprintFunc()
		for k, vs := range resp.Header {
			for _, v := range vs {
				fmt.Printf("%s: %s\n", cyan(k), v)
			}
		}
		if resp.TLS != nil {
			fmt.Printf("%s: %s\n", cyan("TLS"), tls.VersionName(resp.TLS.Version))
		}
		fmt.Println()
	}
	if jsonPathFlag != "" {
		if !gjson.ValidBytes(resp.Body) {
			color.Red("body is not valid JSON")
			return
		}
		fmt.Println(gjson.GetBytes(resp.Body, jsonPathFlag).String())
		return
	}
	os.Stdout.Write(resp.Body)
	if n := len(resp.Body); n > 0 && resp.Body[n-1] != '\n' {
		fmt.Println()
	}
}

func printError(err error) {
	color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
}
