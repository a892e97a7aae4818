package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/internal/config"
)

// cliClient is the resty client the catalog and execution subcommands use.
func cliClient() *resty.Client {
	client := resty.New().
		SetBaseURL(config.GetEnvStr("NOETL_SERVER_URL", "http://localhost:8082")).
		SetTimeout(config.GetEnvDuration("NOETL_CLI_TIMEOUT", 30*time.Second)).
		SetHeader("Content-Type", "application/json")

	if token := config.GetEnvStr("NOETL_API_TOKEN", ""); token != "" {
		client.SetAuthToken(token)
	}

	return client
}

// runRegister registers a playbook file with the catalog.
func runRegister(args []string) {
	flags := flag.NewFlagSet("register", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s register <playbook.yaml>\n", name)
	}

	_ = flags.Parse(args)

	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	content, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		fatalf("reading playbook: %v", err)
	}

	var registered map[string]any

	resp, err := cliClient().R().
		SetBody(map[string]any{"content": string(content)}).
		SetResult(&registered).
		Post("/api/catalog/register")
	checkResponse(resp, err)

	fmt.Printf("registered %v version %v\n", registered["resource_path"], registered["resource_version"])
}

// runExecute starts an execution of a registered playbook.
func runExecute(args []string) {
	flags := flag.NewFlagSet("execute", flag.ExitOnError)
	version := flags.String("version", "", "playbook version (default latest)")
	payload := flags.String("payload", "", "JSON object of workload parameters")
	merge := flags.Bool("merge", false, "merge payload into the declared workload instead of replacing it")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s execute <path> [-version v] [-payload json] [-merge]\n", name)
	}

	_ = flags.Parse(args)

	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	body := map[string]any{
		"path":    flags.Arg(0),
		"version": *version,
		"merge":   *merge,
	}

	if *payload != "" {
		var parameters map[string]any
		if err := json.Unmarshal([]byte(*payload), &parameters); err != nil {
			fatalf("invalid payload: %v", err)
		}

		body["parameters"] = parameters
	}

	var run map[string]any

	resp, err := cliClient().R().
		SetBody(body).
		SetResult(&run).
		Post("/api/executions/run")
	checkResponse(resp, err)

	fmt.Printf("execution %v started (%v@%v)\n", run["id"], run["playbook_id"], run["version"])
}

// runCatalog lists catalog entries or fetches one.
func runCatalog(args []string) {
	action := "list"
	if len(args) > 0 {
		action = args[0]
		args = args[1:]
	}

	switch action {
	case "list":
		var listing map[string][]map[string]any

		resp, err := cliClient().R().
			SetResult(&listing).
			Get("/api/catalog/list")
		checkResponse(resp, err)

		for _, entry := range listing["entries"] {
			fmt.Printf("%v\t%v\t%v\n", entry["resource_path"], entry["resource_version"], entry["resource_type"])
		}
	case "fetch":
		flags := flag.NewFlagSet("catalog fetch", flag.ExitOnError)
		version := flags.String("version", "", "playbook version (default latest)")
		_ = flags.Parse(args)

		if flags.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s catalog fetch <path> [-version v]\n", name)
			os.Exit(2)
		}

		var entry map[string]any

		resp, err := cliClient().R().
			SetQueryParam("path", flags.Arg(0)).
			SetQueryParam("version", *version).
			SetResult(&entry).
			Get("/api/catalog/fetch")
		checkResponse(resp, err)

		fmt.Print(entry["content"])
	default:
		fmt.Fprintf(os.Stderr, "usage: %s catalog [list|fetch]\n", name)
		os.Exit(2)
	}
}

func checkResponse(resp *resty.Response, err error) {
	if err != nil {
		fatalf("request failed: %v", err)
	}

	if resp.IsError() {
		fatalf("server returned %s: %s", resp.Status(), resp.String())
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
