package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/connmgr"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/envutil"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/logger"
	"github.com/rich1edwards/vividly-mvp-sub011/internal/platform/shutdown"
)

type idList []string

func (l *idList) String() string { return strings.Join(*l, ",") }
func (l *idList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

func main() {
	var track idList
	var server, student, dataDir string
	var listOnly, markRead, untilDone bool
	flag.StringVar(&server, "server", envutil.String("VIVIDLY_SERVER", "http://localhost:8080"), "generation service base URL")
	flag.StringVar(&student, "student", "", "student id to watch (required)")
	flag.StringVar(&dataDir, "data", "", "badger directory for notifications (empty keeps them in memory)")
	flag.Var(&track, "run", "run id to track (repeatable)")
	flag.BoolVar(&listOnly, "list", false, "print stored notifications and exit")
	flag.BoolVar(&markRead, "mark-read", false, "mark every stored notification read and exit")
	flag.BoolVar(&untilDone, "until-done", false, "exit once every tracked run has finished")
	flag.Parse()

	if strings.TrimSpace(student) == "" {
		fmt.Println("-student is required")
		os.Exit(2)
	}

	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := connmgr.OpenBadger(dataDir)
	if err != nil {
		fmt.Printf("open notification store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	notes, err := connmgr.NewNotificationLog(ctx, connmgr.NewBadgerStore(db, student), connmgr.DefaultNotificationCap)
	if err != nil {
		fmt.Printf("load notifications: %v\n", err)
		os.Exit(1)
	}

	switch {
	case markRead:
		n, err := notes.MarkAllRead(ctx)
		if err != nil {
			fmt.Printf("mark read: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("marked %d notifications read\n", n)
		return
	case listOnly:
		for _, n := range notes.List() {
			printNotification(n)
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var m *connmgr.Manager
	m = connmgr.NewManager(log,
		connmgr.NewSSEEventSource(server, student, nil),
		connmgr.NewHTTPStatusClient(server, nil),
		notes,
		connmgr.Options{
			OnStateChange: func(from, to connmgr.State) {
				fmt.Printf("[%s] connection %s -> %s\n", time.Now().Format(time.TimeOnly), from, to)
			},
			OnEvent: func(e generation.Event) {
				printEvent(e)
				if untilDone && e.Terminal && len(m.InFlight()) == 0 {
					cancel()
				}
			},
		},
	)
	for _, raw := range track {
		id, err := uuid.Parse(raw)
		if err != nil {
			fmt.Printf("skipping invalid run id %q\n", raw)
			continue
		}
		m.Track(id)
	}

	if err := m.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("watch stopped: %v\n", err)
		os.Exit(1)
	}

	unread := notes.Unread()
	fmt.Printf("%d unread notifications\n", len(unread))
	for _, n := range unread {
		printNotification(n)
	}
}

func printEvent(e generation.Event) {
	line := fmt.Sprintf("run=%s seq=%d stage=%s status=%s progress=%d%%", e.RunID, e.Seq, e.Stage, e.Status, e.Progress)
	if e.Message != "" {
		line += " " + e.Message
	}
	if e.Error != "" {
		line += " error=" + e.Error
	}
	fmt.Println(line)
}

func printNotification(n connmgr.Notification) {
	mark := " "
	if !n.Read {
		mark = "*"
	}
	line := fmt.Sprintf("%s %s run=%s %s", mark, n.ReceivedAt.Format(time.RFC3339), n.RunID, n.Status)
	if n.ArtifactID != nil {
		line += " artifact=" + n.ArtifactID.String()
	}
	if len(n.Missing) > 0 {
		parts := make([]string, 0, len(n.Missing))
		for _, mod := range n.Missing {
			parts = append(parts, string(mod))
		}
		line += " missing=" + strings.Join(parts, ",")
	}
	if n.Error != "" {
		line += " error=" + n.Error
	}
	fmt.Println(line)
}
