package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/liangmanlin/nbhttpc/httpc"
	"github.com/liangmanlin/readline"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive session that keeps pooled connections alive",
	Args:  cobra.NoArgs,
	RunE:  shellCommand,
}

var shellHelp = []string{
	"    get <url>                 \u001B[35m# GET a url\u001B[0m",
	"    head <url>                \u001B[35m# HEAD a url\u001B[0m",
	"    post <url> <body>         \u001B[35m# POST a body\u001B[0m",
	"    delete <url>              \u001B[35m# DELETE a url\u001B[0m",
	"    header <key> <value>      \u001B[35m# add a header to every request\u001B[0m",
	"    jsonpath [path]           \u001B[35m# filter JSON bodies, empty to clear\u001B[0m",
	"    pool                      \u001B[35m# show connection pool stats\u001B[0m",
	"    metrics                   \u001B[35m# show latency and counters\u001B[0m",
	"    exit                      \u001B[35m# leave the shell\u001B[0m",
}

func shellCommand(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()
	reqOpts, err := requestOptions()
	if err != nil {
		return err
	}
	completer := readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("get"),
		readline.PcItem("head"),
		readline.PcItem("post"),
		readline.PcItem("delete"),
		readline.PcItem("header"),
		readline.PcItem("jsonpath"),
		readline.PcItem("pool"),
		readline.PcItem("metrics"),
		readline.PcItem("exit"),
	)
	l, err := readline.NewEx(&readline.Config{
		Prompt:              "(nbhttpc)\033[31m>\033[0m ",
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	color.Output = l.Stdout()
	fmt.Fprint(l.Stdout(), "\nwelcome to nbhttpc shell, type help for commands\n\n")
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help":
			fmt.Fprintln(l.Stdout(), "commands:\n"+strings.Join(shellHelp, "\n"))
		case "exit", "quit":
			return nil
		case "pool":
			fmt.Fprintf(l.Stdout(), "total %s\n", client.Pool().Stats())
			for _, r := range client.Pool().Routes() {
				fmt.Fprintf(l.Stdout(), "  %s %s\n", r, client.Pool().RouteStats(r))
			}
		case "metrics":
			fmt.Fprintln(l.Stdout(), client.Metrics().Snapshot())
		case "header":
			if len(fields) < 3 {
				color.Red("usage: header <key> <value>")
				continue
			}
			reqOpts = append(reqOpts, httpc.WithHeader(fields[1], strings.Join(fields[2:], " ")))
		case "jsonpath":
			jsonPathFlag = ""
			if len(fields) > 1 {
				jsonPathFlag = fields[1]
			}
		case "get", "head", "delete", "post":
			if len(fields) < 2 {
				color.Red("usage: %s <url>", fields[0])
				continue
			}
			var body []byte
			opts := reqOpts
			if fields[0] == "post" {
				body = []byte(strings.Join(fields[2:], " "))
				opts = append(opts[:len(opts):len(opts)], httpc.WithContentType("application/json"))
			}
			start := time.Now()
			resp, err := client.Do(strings.ToUpper(fields[0]), fields[1], body, opts...).Get(context.Background())
			if err != nil {
				printError(err)
				continue
			}
			printResponse(resp, time.Since(start))
		default:
			color.Red("unknown command %q, type help", fields[0])
		}
	}
}

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}
