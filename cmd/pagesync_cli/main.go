// pagesync_cli talks to a pagesync_server admin API. With arguments it runs
// one command and exits; without, it drops into an interactive shell.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

const clientTimeout = 10 * time.Second

var serverAddr = flag.String("addr", "127.0.0.1:8070", "pagesync_server admin API address")

// apiResponse mirrors the server's JSON envelope.
type apiResponse struct {
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	PageID    string          `json:"page_id,omitempty"`
	Result    string          `json:"result,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func endpoint(path string) string {
	return fmt.Sprintf("http://%s%s", *serverAddr, path)
}

// performRequest POSTs body to the endpoint and prints the decoded response.
func performRequest(path string, body interface{}) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		fmt.Printf("Error encoding request: %v\n", err)
		return
	}

	httpClient := http.Client{Timeout: clientTimeout}
	resp, err := httpClient.Post(endpoint(path), "application/json", bytes.NewBuffer(jsonBody))
	if err != nil {
		fmt.Printf("Error contacting server: %v\n", err)
		return
	}
	defer resp.Body.Close()
	printResponse(resp.Body)
}

func getStatus() {
	httpClient := http.Client{Timeout: clientTimeout}
	resp, err := httpClient.Get(endpoint("/status"))
	if err != nil {
		fmt.Printf("Error contacting server: %v\n", err)
		return
	}
	defer resp.Body.Close()
	printResponse(resp.Body)
}

func printResponse(body io.Reader) {
	raw, err := io.ReadAll(body)
	if err != nil {
		fmt.Printf("Error reading response: %v\n", err)
		return
	}
	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		fmt.Printf("Raw response: %s\n", strings.TrimSpace(string(raw)))
		return
	}

	line := "Status=" + resp.Status
	if resp.SessionID != "" {
		line += " session=" + resp.SessionID
	}
	if resp.PageID != "" {
		line += " page=" + resp.PageID
	}
	if resp.Result != "" {
		line += " result=" + resp.Result
	}
	if resp.Message != "" {
		line += " message='" + resp.Message + "'"
	}
	fmt.Println(line)
	if len(resp.Data) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, resp.Data, "", "  "); err == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(resp.Data))
		}
	}
}

// processCommand handles a single command from args or the interactive shell.
// It reports false when the shell should exit.
func processCommand(args []string) bool {
	if len(args) == 0 {
		return true
	}

	switch strings.ToLower(args[0]) {
	case "open":
		if len(args) < 2 {
			fmt.Println("Usage: open <ledger> [page-hex]")
			return true
		}
		req := map[string]string{"ledger": args[1]}
		if len(args) > 2 {
			req["page_id"] = args[2]
		}
		performRequest("/api/pages/open", req)
	case "close":
		if len(args) < 2 {
			fmt.Println("Usage: close <session-id>")
			return true
		}
		performRequest("/api/pages/close", map[string]string{"session_id": args[1]})
	case "delete":
		if len(args) < 3 {
			fmt.Println("Usage: delete <ledger> <page-hex>")
			return true
		}
		performRequest("/api/pages/delete", map[string]string{"ledger": args[1], "page_id": args[2]})
	case "check":
		if len(args) < 4 {
			fmt.Println("Usage: check <ledger> <page-hex> <synced|offline-empty>")
			return true
		}
		var predicate string
		switch args[3] {
		case "synced":
			predicate = "closed_and_synced"
		case "offline-empty":
			predicate = "closed_offline_and_empty"
		default:
			fmt.Println("Unknown predicate. Use 'synced' or 'offline-empty'.")
			return true
		}
		performRequest("/api/pages/predicate", map[string]string{
			"ledger": args[1], "page_id": args[2], "predicate": predicate,
		})
	case "cleanup":
		req := map[string]interface{}{}
		if len(args) > 1 {
			req["policy"] = args[1]
		}
		if len(args) > 2 {
			hours, err := strconv.Atoi(args[2])
			if err != nil {
				fmt.Println("Usage: cleanup [lru|age [max-age-hours]]")
				return true
			}
			req["max_age_hours"] = hours
		}
		performRequest("/api/cleanup", req)
	case "status":
		getStatus()
	case "help":
		printHelp()
	case "exit", "quit":
		fmt.Println("Exiting pagesync CLI.")
		return false
	default:
		fmt.Println("Unknown command. Type 'help' for a list of commands.")
	}
	return true
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  open <ledger> [page-hex]                  open a page session; no hex allocates a fresh page")
	fmt.Println("  close <session-id>                        end a page session")
	fmt.Println("  delete <ledger> <page-hex>                delete a page's local storage")
	fmt.Println("  check <ledger> <page-hex> <synced|offline-empty>")
	fmt.Println("  cleanup [lru|age [max-age-hours]]         run one eviction pass")
	fmt.Println("  status                                    repository snapshot")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}

func interactive() {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("open"),
		readline.PcItem("close"),
		readline.PcItem("delete"),
		readline.PcItem("check"),
		readline.PcItem("cleanup",
			readline.PcItem("lru"),
			readline.PcItem("age"),
		),
		readline.PcItem("status"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagesync> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".pagesync_cli_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing shell: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("pagesync CLI (interactive mode). Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err == io.EOF {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !processCommand(strings.Fields(line)) {
			return
		}
	}
}

func main() {
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		processCommand(args)
		return
	}
	interactive()
}
