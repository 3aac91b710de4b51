package main

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/liangmanlin/nbhttpc/httpc"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Send a GET request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doRequest(cmd.Context(), "GET", args[0], nil)
	},
}

var (
	dataFlag        string
	contentTypeFlag string
	methodFlag      string
)

var postCmd = &cobra.Command{
	Use:   "post <url>",
	Short: "Send a request with a body",
	Long: `Send a request with a body. The body comes from --data; a value
starting with @ names a file, and @- reads standard input.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readBody(dataFlag)
		if err != nil {
			return err
		}
		return doRequest(cmd.Context(), strings.ToUpper(methodFlag), args[0], body)
	},
}

func init() {
	postCmd.Flags().StringVarP(&dataFlag, "data", "d", "", "Request body, @file or @- for stdin")
	postCmd.Flags().StringVar(&contentTypeFlag, "content-type", "application/json", "Content-Type of the body")
	postCmd.Flags().StringVarP(&methodFlag, "method", "X", "POST", "Request method")
}

func readBody(data string) ([]byte, error) {
	switch {
	case data == "@-":
		return io.ReadAll(os.Stdin)
	case strings.HasPrefix(data, "@"):
		return os.ReadFile(data[1:])
	}
	return []byte(data), nil
}

func doRequest(ctx context.Context, method, url string, body []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()
	opts, err := requestOptions()
	if err != nil {
		return err
	}
	if body != nil {
		opts = append(opts, httpc.WithContentType(contentTypeFlag))
	}
	start := time.Now()
	resp, err := client.Do(method, url, body, opts...).Get(ctx)
	if err != nil {
		printError(err)
		return err
	}
	printResponse(resp, time.Since(start))
	return nil
}
