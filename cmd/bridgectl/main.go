// Command bridgectl connects a terminal to an agent backend over the bridge
// protocol, and can run the development stub backend.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentbridge/core/internal/approval"
	"github.com/agentbridge/core/internal/config"
	"github.com/agentbridge/core/internal/history"
	"github.com/agentbridge/core/internal/session"
	"github.com/agentbridge/core/internal/stubserver"
	"github.com/agentbridge/core/internal/timeline"
)

var (
	cfgPath   string
	sessionID string
	mode      string
	resume    bool
	forceNew  bool
	name      string
)

func main() {
	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "Bridge a terminal to a command-line agent backend",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")

	connectCmd := &cobra.Command{
		Use:   "connect [prompt]",
		Short: "Open a session against the backend",
		RunE:  runConnect,
	}
	connectCmd.Flags().StringVar(&sessionID, "session", "", "session id to resume")
	connectCmd.Flags().StringVar(&mode, "mode", "", "framing mode: raw or structured")
	connectCmd.Flags().BoolVar(&resume, "resume", false, "resume the named session")
	connectCmd.Flags().BoolVar(&forceNew, "force-new", false, "discard any existing session with this id")
	connectCmd.Flags().StringVar(&name, "name", "", "session name")

	stubCmd := &cobra.Command{
		Use:   "stub",
		Short: "Run the development stub backend",
		RunE:  runStub,
	}
	stubCmd.Flags().String("addr", ":8080", "listen address")
	stubCmd.Flags().String("shell", "/bin/sh", "shell for raw-mode sessions")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List backend sessions",
		RunE:  runSessions,
	}

	root.AddCommand(connectCmd, stubCmd, sessionsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if mode == "" {
		mode = cfg.Mode
	}

	if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755); err != nil {
		return err
	}
	store, err := history.OpenStore(cfg.CachePath, cfg.CacheCapBytes)
	if err != nil {
		return err
	}
	defer store.Close()

	done := make(chan struct{})
	events := session.Events{
		OnOutput: func(data string) {
			fmt.Print(data)
		},
		OnTranscript: func(data string, prov history.Provenance) {
			fmt.Print(data)
		},
		OnSnapshot: func(snap timeline.Snapshot) {
			if !snap.Streaming {
				printParts(snap.Parts)
				select {
				case done <- struct{}{}:
				default:
				}
			}
		},
		OnApproval: func(p *approval.PendingApproval) {
			fmt.Printf("\n[approval required] %s %v (source=%s)\n", p.ToolName, p.ToolInput, p.Source)
		},
		OnPrompt: func(p *approval.Prompt) {
			fmt.Printf("\n[prompt] %s %v\n", p.Question, p.Options)
		},
		OnSessionNotFound: func() {
			log.Printf("session not found on backend, starting fresh")
		},
		OnReconnecting: func(attempt int) {
			if attempt > 1 {
				log.Printf("reconnecting (attempt %d)", attempt)
			}
		},
		OnTerminalFailure: func(err error) {
			log.Printf("connection lost for good: %v", err)
			os.Exit(1)
		},
		OnExit: func(code int) {
			os.Exit(code)
		},
	}

	sess := session.New(session.Config{
		BackendURL:  cfg.BackendURL,
		SessionID:   sessionID,
		SessionName: name,
		Mode:        session.Mode(mode),
		Provider:    cfg.Provider,
		Resume:      resume,
		ForceNew:    forceNew,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  time.Duration(cfg.RetryDelayMS) * time.Millisecond,
		GraceWindow: time.Duration(cfg.GraceWindowMS) * time.Millisecond,
		Store:       store,
	}, events)
	defer sess.Close()

	if err := sess.Open(); err != nil {
		return err
	}

	if mode == string(session.ModeRaw) {
		return rawLoop(sess)
	}

	if len(args) > 0 {
		if err := sess.SendText(args[0]); err != nil {
			return err
		}
		<-done
		return nil
	}
	return structuredLoop(sess, done)
}

// rawLoop forwards stdin lines as raw input until EOF.
func rawLoop(sess *session.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := sess.SendInput(scanner.Text() + "\n"); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// structuredLoop reads prompts from stdin, one turn per line.
func structuredLoop(sess *session.Session, done chan struct{}) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := sess.SendText(line); err != nil {
			return err
		}
		<-done
	}
}

func printParts(parts []timeline.MessagePart) {
	for _, part := range parts {
		switch part.Type {
		case timeline.PartText:
			fmt.Println(part.Text)
		case timeline.PartToolUse:
			fmt.Printf("[%s] %s (%s)\n", part.Name, part.Output, part.Status)
		}
	}
}

func runStub(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	shell, _ := cmd.Flags().GetString("shell")

	srv := stubserver.New(shell)
	defer srv.Close()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down stub backend")
		srv.Close()
		os.Exit(0)
	}()

	log.Printf("stub backend listening on %s", addr)
	return srv.Router().Run(addr)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	lister := session.NewLister(cfg.APIBaseURL, time.Duration(cfg.PollIntervalS)*time.Second, nil)
	sessions, err := lister.Fetch(context.Background())
	if err != nil {
		return err
	}

	for _, s := range sessions {
		fmt.Printf("%s  %-10s %-6s %s\n", s.ID, s.Status, s.Mode, s.Name)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
	}
	return nil
}
