package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type task struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	Priority        string `json:"priority"`
	Stage           string `json:"stage"`
	AssignedAgentID string `json:"assigned_agent_id"`
}

type agent struct {
	ID          string  `json:"id"`
	Role        string  `json:"role"`
	Status      string  `json:"status"`
	CurrentLoad int     `json:"current_load"`
	MaxLoad     int     `json:"max_load"`
	HealthScore float64 `json:"health_score"`
}

type apiError struct {
	Error string `json:"error"`
}

func apiCall(method, path string, body any, out any) error {
	base := os.Getenv("PIPELINER_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth := os.Getenv("PIPELINER_AUTH"); auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("api returned %s", resp.Status)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  pipectl submit --title "..." [--description "..."] [--priority low|medium|high|urgent]`)
	fmt.Fprintln(os.Stderr, "  pipectl tasks [--status pending,in_progress,...]")
	fmt.Fprintln(os.Stderr, `  pipectl task --id "..."`)
	fmt.Fprintln(os.Stderr, `  pipectl pause --id "..."`)
	fmt.Fprintln(os.Stderr, `  pipectl resume --id "..."`)
	fmt.Fprintln(os.Stderr, `  pipectl reenter --id "..."`)
	fmt.Fprintln(os.Stderr, "  pipectl agents")
	fmt.Fprintln(os.Stderr, "  pipectl status")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "submit":
		args := parseArgs(rest)
		if args["title"] == "" {
			fatal("--title is required")
		}
		var created task
		err := apiCall(http.MethodPost, "/api/tasks", map[string]string{
			"title":       args["title"],
			"description": args["description"],
			"priority":    args["priority"],
		}, &created)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("Task submitted: %s\n", created.ID)

	case "tasks":
		args := parseArgs(rest)
		path := "/api/tasks"
		if args["status"] != "" {
			path += "?status=" + args["status"]
		}
		var tasks []task
		if err := apiCall(http.MethodGet, path, nil, &tasks); err != nil {
			fatal("%v", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return
		}
		for _, t := range tasks {
			assignee := t.AssignedAgentID
			if assignee == "" {
				assignee = "-"
			}
			fmt.Printf("  %s  %-13s %-14s %-8s %s\n", t.ID, t.Status, t.Stage, t.Priority, assignee)
		}

	case "task":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		var detail json.RawMessage
		if err := apiCall(http.MethodGet, "/api/tasks/"+args["id"], nil, &detail); err != nil {
			fatal("%v", err)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, detail, "", "  "); err != nil {
			fatal("%v", err)
		}
		fmt.Println(pretty.String())

	case "pause", "resume", "reenter":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		if err := apiCall(http.MethodPost, "/api/tasks/"+args["id"]+"/"+command, nil, nil); err != nil {
			fatal("%v", err)
		}
		fmt.Println("OK.")

	case "agents":
		var agents []agent
		if err := apiCall(http.MethodGet, "/api/agents", nil, &agents); err != nil {
			fatal("%v", err)
		}
		for _, a := range agents {
			fmt.Printf("  %-14s %-16s %-10s load %d/%d  health %.0f\n",
				a.ID, a.Role, a.Status, a.CurrentLoad, a.MaxLoad, a.HealthScore)
		}

	case "status":
		var status json.RawMessage
		if err := apiCall(http.MethodGet, "/api/status", nil, &status); err != nil {
			fatal("%v", err)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, status, "", "  "); err != nil {
			fatal("%v", err)
		}
		fmt.Println(pretty.String())

	default:
		fatal("unknown command: %s", command)
	}
}
