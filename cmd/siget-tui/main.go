package main

import (
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/tui/app"
	"github.com/Voinich26/siget-sistema-trafico/internal/tui/client"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8889/ws", "WebSocket URL of the SIGET management API")
	logFile := flag.String("log", "", "Write console diagnostics to this file")
	flag.Parse()

	// The terminal belongs to the UI; diagnostics go to a file or nowhere.
	log := logrus.New()
	log.SetOutput(io.Discard)
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		log.SetOutput(f)
		log.SetLevel(logrus.DebugLevel)
	}

	ws := client.NewWSClient(*wsURL, log.WithField("component", "console"))
	defer ws.Close()
	httpClient := client.NewHTTPClient(deriveHTTPBase(*wsURL))

	m := app.New(ws, httpClient)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deriveHTTPBase converts ws://host:port/ws → http://host:port
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "http://127.0.0.1:8889"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, u.Host)
}
