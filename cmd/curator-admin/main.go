// ABOUTME: Admin CLI for the curator coordinator
// ABOUTME: Talks to the HTTP API to inspect sessions and drive conversions

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
)

const banner = `
                      _                            _           _
  ___ _   _ _ __ __ _| |_ ___  _ __ ___  __ _  __| |_ __ ___ (_)_ __
 / __| | | | '__/ _' | __/ _ \| '__/ _ \/ _' |/ _' | '_ ' _ \| | '_ \
| (__| |_| | | | (_| | || (_) | | |  __/ (_| | (_| | | | | | | | | | |
 \___|\__,_|_|  \__,_|\__\___/|_|  \___|\__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("CURATOR_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8484"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(baseURL, args)
	case "sessions":
		err = cmdSessions(baseURL)
	case "upload":
		err = cmdUpload(baseURL, args)
	case "say":
		err = cmdSay(baseURL, args)
	case "approve-retry":
		err = cmdSimple(baseURL, "conversation", "approve_retry", args)
	case "decline-retry":
		err = cmdSimple(baseURL, "conversation", "decline_retry", args)
	case "decide":
		err = cmdDecide(baseURL, args)
	case "dispatch":
		err = cmdDispatch(baseURL, args)
	case "reset":
		err = cmdReset(baseURL, args)
	case "watch":
		err = cmdWatch(baseURL, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: curator-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  sessions                        List known sessions")
	fmt.Println("  status [session]                Show session workflow state")
	fmt.Println("  upload <input-ref> [session]    Start a conversion from a file reference")
	fmt.Println("  say <message> [session]         Send a conversation message")
	fmt.Println("  approve-retry [session]         Approve a correction retry")
	fmt.Println("  decline-retry [session]         Decline a correction retry")
	fmt.Println("  decide <improve|accept> [sess]  Resolve an improvement decision")
	fmt.Println("  dispatch <agent> <action> [k=v ...]  Send a raw request")
	fmt.Println("  reset [session]                 Reset a session to fresh state")
	fmt.Println("  watch [session]                 Stream live session events")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  CURATOR_URL   Coordinator base URL (default: http://localhost:8484)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  curator-admin upload /data/recording.rhd")
	fmt.Println("  curator-admin say 'subject_id: mouse-042, species: Mus musculus'")
	fmt.Println("  curator-admin status")
	fmt.Println()
}

// sessionArg picks the session ID from trailing args, defaulting to "default".
func sessionArg(args []string, idx int) string {
	if len(args) > idx {
		return args[idx]
	}
	return "default"
}

// dispatch posts a request envelope and decodes the response envelope.
func dispatch(baseURL, agent, action string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"target_agent": agent,
		"action":       action,
		"payload":      payload,
	})
	if err != nil {
		return nil, err
	}

	resp, err := http.Post(baseURL+"/api/dispatch", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool           `json:"success"`
		Result  map[string]any `json:"result"`
		Err     *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if !envelope.Success {
		if envelope.Err != nil {
			return nil, fmt.Errorf("%s: %s", envelope.Err.Code, envelope.Err.Message)
		}
		return nil, fmt.Errorf("request failed")
	}
	return envelope.Result, nil
}

func printResult(result map[string]any) {
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for _, k := range keys {
		v := result[k]
		if m, ok := v.(map[string]any); ok {
			buf, _ := json.Marshal(m)
			v = string(buf)
		}
		fmt.Fprintf(w, "  %s\t%v\n", k, v)
	}
	w.Flush()
}

func cmdSessions(baseURL string) error {
	resp, err := http.Get(baseURL + "/api/sessions")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	var list struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(list.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, id := range list.Sessions {
		fmt.Println(id)
	}
	return nil
}

func cmdStatus(baseURL string, args []string) error {
	session := sessionArg(args, 0)

	result, err := dispatch(baseURL, "session", "status", map[string]any{
		"session_id": session,
	})
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  Session %s\n", session)
	cyan.Println("  " + strings.Repeat("-", 8+len(session)))
	printResult(result)
	fmt.Println()
	return nil
}

func cmdUpload(baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: curator-admin upload <input-ref> [session]")
	}

	result, err := dispatch(baseURL, "conversion", "upload", map[string]any{
		"session_id": sessionArg(args, 1),
		"input_ref":  args[0],
	})
	if err != nil {
		return err
	}

	if recognized, _ := result["recognized"].(bool); !recognized {
		color.Yellow("format not recognized; describe the data with: curator-admin say '...'")
		return nil
	}
	color.Green("detected format: %v", result["format_id"])

	// Detection succeeded; kick off processing through the conversation
	// agent so metadata prompts surface here.
	startResult, err := dispatch(baseURL, "conversation", "start_conversion", map[string]any{
		"session_id": sessionArg(args, 1),
	})
	if err != nil {
		return err
	}
	if needs, _ := startResult["needs_metadata"].(bool); needs {
		color.Yellow("%v", startResult["prompt"])
		return nil
	}
	printResult(startResult)
	return nil
}

func cmdSay(baseURL string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: curator-admin say <message> [session]")
	}

	result, err := dispatch(baseURL, "conversation", "user_message", map[string]any{
		"session_id": sessionArg(args, 1),
		"text":       args[0],
	})
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func cmdSimple(baseURL, agent, action string, args []string) error {
	result, err := dispatch(baseURL, agent, action, map[string]any{
		"session_id": sessionArg(args, 0),
	})
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func cmdDecide(baseURL string, args []string) error {
	if len(args) < 1 || (args[0] != "improve" && args[0] != "accept") {
		return fmt.Errorf("usage: curator-admin decide <improve|accept> [session]")
	}

	result, err := dispatch(baseURL, "conversation", "decide_improvement", map[string]any{
		"session_id": sessionArg(args, 1),
		"decision":   args[0],
	})
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func cmdDispatch(baseURL string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: curator-admin dispatch <agent> <action> [key=value ...]")
	}

	payload := map[string]any{}
	for _, kv := range args[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("payload arguments must be key=value, got %q", kv)
		}
		payload[k] = v
	}
	if _, ok := payload["session_id"]; !ok {
		payload["session_id"] = "default"
	}

	result, err := dispatch(baseURL, args[0], args[1], payload)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func cmdReset(baseURL string, args []string) error {
	session := sessionArg(args, 0)
	resp, err := http.Post(baseURL+"/api/sessions/"+session+"/reset", "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", baseURL, err)
	}
	resp.Body.Close()

	color.Green("session %s reset", session)
	return nil
}

// cmdWatch streams SSE frames until interrupted.
func cmdWatch(baseURL string, args []string) error {
	session := sessionArg(args, 0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	url := fmt.Sprintf("%s/api/sessions/%s/events", baseURL, session)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	gray := color.New(color.FgHiBlack)
	gray.Printf("watching session %s (ctrl-c to stop)\n", session)

	scanner := bufio.NewScanner(resp.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			switch event {
			case "state_changed":
				color.Cyan("%s %s", event, strings.TrimPrefix(line, "data: "))
			case "session_reset", "dispatch_rejected":
				color.Yellow("%s %s", event, strings.TrimPrefix(line, "data: "))
			default:
				gray.Printf("%s %s\n", event, strings.TrimPrefix(line, "data: "))
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
