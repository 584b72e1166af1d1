package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wclr/taskmate/internal/tui/app"
	"github.com/wclr/taskmate/internal/tui/client"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL of the taskmate server")
	token := flag.String("token", "", "Auth token (if the server requires it)")
	logFile := flag.String("log", "", "Write client logs to this file")
	flag.Parse()

	// The alt screen owns stdout; logs go to a file or nowhere.
	log.SetOutput(io.Discard)
	if *logFile != "" {
		f, err := tea.LogToFile(*logFile, "taskmate-tui")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	}

	httpBase := deriveHTTPBase(*wsURL)

	wsClient := client.NewWSClient(*wsURL, *token)
	httpClient := client.NewHTTPClient(httpBase, *token)

	p := tea.NewProgram(app.New(wsClient, httpClient), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deriveHTTPBase converts ws://host:port/ws to http://host:port.
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://127.0.0.1:8080"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
