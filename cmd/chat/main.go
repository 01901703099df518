// Command chat is a terminal client for one conversation on a coachchat server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fitversal/coachchat/internal/client"
	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/services"
	"github.com/fitversal/coachchat/internal/session"
	applog "github.com/fitversal/coachchat/pkg/logger"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	serverURL := flag.String("server", envOr("CHAT_SERVER_URL", "http://localhost:8080"), "chat server base URL")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
	devUser := flag.String("dev-user", "", "request a development token for this participant id")
	devRole := flag.String("dev-role", "client", "role for -dev-user")
	devName := flag.String("dev-name", "", "display name for -dev-user")
	counterpart := flag.String("with", "", "counterpart participant id")
	counterpartRole := flag.String("with-role", "", "counterpart role (coach or admin); looked up when empty")
	conversationID := flag.String("conversation", "", "open an existing conversation id")
	flag.Parse()

	applog.Init(envOr("APP_ENV", "development"), envOr("LOG_LEVEL", "warn"))
	zl := applog.WithComponent("chat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *devUser != "" {
		name := *devName
		if name == "" {
			name = *devUser
		}
		issued, err := client.RequestDevToken(ctx, *serverURL, models.Participant{
			ID:          *devUser,
			Role:        models.Role(*devRole),
			DisplayName: name,
		})
		if err != nil {
			log.Fatalf("Failed to get development token: %v", err)
		}
		*token = issued
	}
	if *token == "" {
		log.Fatal("A token is required: pass -token, set CHAT_TOKEN or use -dev-user")
	}
	if *counterpart == "" && *conversationID == "" {
		log.Fatal("Pass -with <participant id> or -conversation <id>")
	}

	backend := client.NewRemoteBackend(*serverURL, *token, client.WithLogger(applog.WithComponent("client")))

	// the session needs our own identity; a server we cannot reach leaves us in demo mode
	actor := services.Actor{ID: *devUser, Role: models.Role(*devRole)}
	if me, err := backend.Me(ctx); err == nil {
		actor = services.Actor{ID: me.ID, Role: me.Role}
	} else {
		zl.Warn().Err(err).Msg("could not resolve identity from token")
	}

	s := session.Open(ctx, backend, session.Config{
		Actor:           actor,
		ConversationID:  *conversationID,
		CounterpartID:   *counterpart,
		CounterpartRole: models.Role(*counterpartRole),
		Logger:          applog.WithComponent("session"),
		OnDirectoryStale: func() {
			if err := backend.TouchLastSeen(context.Background()); err != nil {
				zl.Debug().Err(err).Msg("touch last seen")
			}
		},
	})
	defer s.Close()

	out := newPrinter(os.Stdout, actor)
	go func() {
		for snap := range s.Updates() {
			out.render(snap)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			err := handleLine(ctx, s, line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		}
	}
}

// handleLine sends one input line. "/attach <path> [caption]" uploads a file.
func handleLine(ctx context.Context, s *session.Session, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if line == "/quit" {
		return errQuit
	}

	if !strings.HasPrefix(line, "/attach ") {
		_, err := s.Send(ctx, line, nil)
		return err
	}

	fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(line, "/attach ")), " ", 2)
	path := fields[0]
	caption := ""
	if len(fields) == 2 {
		caption = fields[1]
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat attachment: %w", err)
	}

	_, err = s.Send(ctx, caption, &models.AttachmentUpload{
		Filename:    filepath.Base(path),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
		Size:        info.Size(),
		Body:        file,
	})
	return err
}

var errQuit = errors.New("bye")

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
