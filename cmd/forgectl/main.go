// Command forgectl is a terminal client for the appforge control plane:
// create an agent and stream its blueprint, watch a live WebSocket feed,
// or trigger a preview deploy.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "preview":
		err = runPreview(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "forgectl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage:
  forgectl create  -server URL -query TEXT [-template NAME] [-mode deterministic|smart]
  forgectl watch   -url WEBSOCKET_URL
  forgectl preview -server URL -agent ID -token TOKEN`)
}

// runCreate posts a bootstrap request and relays the NDJSON stream: chunks
// to stderr as they arrive, the final connection object to stdout.
func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8090", "Control-plane base URL")
	query := fs.String("query", "", "What to build")
	template := fs.String("template", "", "Start template name")
	mode := fs.String("mode", "deterministic", "Agent mode: deterministic or smart")
	_ = fs.Parse(args)

	if *query == "" {
		return fmt.Errorf("-query is required")
	}

	body, err := json.Marshal(map[string]string{
		"query":            *query,
		"selectedTemplate": *template,
		"agentMode":        *mode,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(*server+"/api/agent", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		stub, _ := bufio.NewReader(resp.Body).ReadString('\n')
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, stub)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		var chunk struct {
			Chunk string `json:"chunk"`
		}
		if json.Unmarshal(line, &chunk) == nil && chunk.Chunk != "" {
			fmt.Fprint(os.Stderr, chunk.Chunk)
			continue
		}
		fmt.Fprintln(os.Stderr)
		fmt.Println(string(line))
	}
	return scanner.Err()
}

// runWatch dials the agent feed and prints every message as one JSON line.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	url := fs.String("url", "", "WebSocket URL from the create response")
	_ = fs.Parse(args)

	if *url == "" {
		return fmt.Errorf("-url is required")
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		fmt.Println(string(data))
	}
}

// runPreview asks the server to redeploy the agent's preview.
func runPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	server := fs.String("server", "http://127.0.0.1:8090", "Control-plane base URL")
	agentID := fs.String("agent", "", "Agent id")
	token := fs.String("token", "", "Owner token")
	_ = fs.Parse(args)

	if *agentID == "" {
		return fmt.Errorf("-agent is required")
	}

	req, err := http.NewRequest(http.MethodGet, *server+"/api/agent/"+*agentID+"/preview", nil)
	if err != nil {
		return err
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("bad response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %v", resp.StatusCode, out)
	}
	fmt.Printf("%v\n", out["previewURL"])
	return nil
}
