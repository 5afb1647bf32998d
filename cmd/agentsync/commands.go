package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"agentsync/internal/adapter/transport"
	"agentsync/internal/domain"
	"agentsync/internal/infra/config"
	"agentsync/internal/usecase"
	"agentsync/internal/usecase/toolstate"
)

var errUsage = errors.New("invalid arguments, run 'agentsync --help'")

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runUpload(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	file, err := readFile(args[0])
	if err != nil {
		return err
	}
	att, err := a.uploader("").Upload(ctx, file)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, att)
}

// sendArgs is the parsed form of: <session> [--image file] <text...>
type sendArgs struct {
	session string
	image   string
	text    string
}

func parseSendArgs(args []string) (sendArgs, error) {
	if len(args) < 2 {
		return sendArgs{}, errUsage
	}
	out := sendArgs{session: args[0]}
	rest := args[1:]
	if rest[0] == "--image" {
		if len(rest) < 2 {
			return sendArgs{}, errUsage
		}
		out.image, rest = rest[1], rest[2:]
	}
	out.text = strings.Join(rest, " ")
	if out.text == "" && out.image == "" {
		return sendArgs{}, errUsage
	}
	return out, nil
}

func runSend(args []string) error {
	sa, err := parseSendArgs(args)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sm, client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	s, err := sm.GetOrCreate(ctx, sa.session)
	if err != nil {
		return err
	}

	var localID string
	err = withInbound(ctx, client, sm, func() error {
		if sa.image == "" {
			localID, err = s.SendText(ctx, sa.text)
			return err
		}
		file, ferr := readFile(sa.image)
		if ferr != nil {
			return ferr
		}
		localID, err = s.SendImage(ctx, sa.text, file)
		return err
	})
	if cerr := sm.Close(context.Background()); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if localID != "" {
		fmt.Println(localID)
	}
	return err
}

func runWatch(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sm, client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := sm.GetOrCreate(ctx, args[0]); err != nil {
		return err
	}

	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	unsubscribe := a.bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(e)
	})
	defer unsubscribe()

	a.log.Info("watching session", "session_id", args[0])
	err = client.Run(ctx, sm)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if cerr := sm.Close(context.Background()); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func runHistory(args []string) error {
	if len(args) > 1 {
		return errUsage
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.openStore()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		sessions, err := st.ListSessions(ctx)
		if err != nil {
			return err
		}
		for _, info := range sessions {
			fmt.Printf("%s\t%d\t%s\n", info.ID, info.Messages, info.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	msgs, err := st.Load(ctx, args[0])
	if err != nil {
		return err
	}
	out := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		data, err := domain.EncodeMessage(m)
		if err != nil {
			return err
		}
		out = append(out, data)
	}
	return printJSON(os.Stdout, out)
}

// parseDecision maps a command line decision word to a decision input.
func parseDecision(word string, tools []string) (toolstate.DecisionInput, error) {
	d := domain.Decision(word)
	if !d.Valid() {
		return toolstate.DecisionInput{}, fmt.Errorf("%w: unknown decision %q", domain.ErrInvalidDecisionShape, word)
	}
	return toolstate.DecisionInput{Decision: d, AllowedTools: tools}, nil
}

func runDecide(args []string) error {
	if len(args) < 3 {
		return errUsage
	}
	in, err := parseDecision(args[2], args[3:])
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sm, client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	s, err := sm.GetOrCreate(ctx, args[0])
	if err != nil {
		return err
	}

	var p domain.Permission
	err = withInbound(ctx, client, sm, func() error {
		p, err = s.DecidePermission(ctx, args[1], in)
		return err
	})
	if cerr := sm.Close(context.Background()); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, p)
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	enc, err := config.EncryptSecret(args[0], os.Getenv("AGENTSYNC_CONFIG_KEY"))
	if err != nil {
		return fmt.Errorf("%w (set AGENTSYNC_CONFIG_KEY)", err)
	}
	fmt.Println(enc)
	return nil
}

// withInbound runs fn while inbound events are applied to sm, so echoes of
// what fn sends reconcile before the history is persisted.
func withInbound(ctx context.Context, client *transport.Client, sm *usecase.SessionManager, fn func() error) error {
	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() { _ = client.Run(runCtx, sm) })
	err := fn()
	cancel()
	wg.Wait()
	return err
}

func readFile(path string) (domain.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return domain.File{Name: filepath.Base(path), Data: data}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
