package cmds

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatline/pkg/chatbot"
	"github.com/go-go-golems/chatline/pkg/eventbus"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/kvstore"
	"github.com/go-go-golems/chatline/pkg/realtime"
	"github.com/go-go-golems/chatline/pkg/render"
	"github.com/go-go-golems/chatline/pkg/ui"
)

type botStack struct {
	store   kvstore.Store
	session *realtime.Session
	bus     *eventbus.Bus
	coord   *eventbus.Coordinator
	widget  *chatbot.Widget
	watcher *stateWatcher
}

func (e *Env) newBotStack(ctx context.Context, onChange func(chatbot.Snapshot)) (*botStack, error) {
	client, err := e.Client()
	if err != nil {
		return nil, err
	}
	store, err := e.Store()
	if err != nil {
		return nil, err
	}
	bus, err := e.Bus()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	st := &botStack{store: store, bus: bus, watcher: newStateWatcher()}
	fail := func(err error) (*botStack, error) {
		st.Close()
		return nil, err
	}

	st.session, err = e.BotSession(client, realtime.WithStateHook(st.watcher.hook))
	if err != nil {
		return fail(err)
	}
	opts := []chatbot.Option{
		chatbot.WithLocalizer(e.Localizer()),
		chatbot.WithForward(bus.Forward(eventbus.TopicChatbot)),
	}
	if onChange != nil {
		opts = append(opts, chatbot.WithOnChange(onChange))
	}
	st.widget, err = chatbot.New(ctx, store, client, st.session, opts...)
	if err != nil {
		return fail(err)
	}
	st.coord = eventbus.NewCoordinator(eventbus.TopicChatbot, bus.Subscriber(), events.DecodeBot, st.widget.Handle,
		eventbus.WithCoordinatorMetrics(e.Metrics()))
	if err := st.coord.Start(ctx); err != nil {
		return fail(err)
	}
	return st, nil
}

func (st *botStack) Close() {
	if st.coord != nil {
		st.coord.Stop()
	}
	_ = st.bus.Close()
	_ = st.store.Close()
}

func newBotCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Talk to the forum chatbot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			bridge := ui.NewBridge(256)
			st, err := env.newBotStack(ctx, bridge.Bot)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.widget.LoadHistory(ctx); err != nil {
				log.Warn().Err(err).Str("component", "chatbot").Msg("could not load history")
			}

			g, gctx := env.Group(ctx)
			g.Go(func() error { return st.session.Run(gctx) })
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case s := <-st.watcher.ch:
						bridge.Status(s == realtime.StateConnected)
					}
				}
			})

			p := tea.NewProgram(ui.NewBotModel(gctx, st.widget, env.Localizer(), bridge.Events()), tea.WithAltScreen(), tea.WithContext(gctx))
			g.Go(func() error {
				defer cancel()
				_, err := p.Run()
				if errors.Is(err, tea.ErrProgramKilled) {
					return nil
				}
				return err
			})
			return ignoreCanceled(g.Wait())
		},
	}
	cmd.AddCommand(newBotAskCommand(env), newBotHistoryCommand(env), newBotSessionCommand(env))
	return cmd
}

func newBotAskCommand(env *Env) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the chatbot one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			replies := make(chan chatbot.Snapshot, 16)
			st, err := env.newBotStack(ctx, func(s chatbot.Snapshot) {
				select {
				case replies <- s:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer st.Close()

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			go func() { _ = st.session.Run(runCtx) }()

			before := len(st.widget.Snapshot().Transcript)
			if err := st.widget.Send(ctx, strings.Join(args, " ")); err != nil {
				return err
			}

			timer := time.NewTimer(timeout)
			defer timer.Stop()
			width := render.TerminalWidth(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
					return errors.Errorf("no answer within %s", timeout)
				case s := <-replies:
					for _, m := range s.Transcript[min(before, len(s.Transcript)):] {
						if !m.FromUser && !m.Notice {
							fmt.Println(render.BotLine(m, width))
							return nil
						}
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the answer")
	return cmd
}

func newBotHistoryCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the transcript of the current chatbot session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := env.botSessionID(cmd.Context())
			if err != nil {
				return err
			}
			client, err := env.Client()
			if err != nil {
				return err
			}
			msgs, err := client.ChatbotHistory(cmd.Context(), sid)
			if err != nil {
				return err
			}
			width := render.TerminalWidth(os.Stdout)
			for _, m := range msgs {
				fmt.Println(render.BotLine(m, width))
			}
			return nil
		},
	}
}

func (e *Env) botSessionID(ctx context.Context) (string, error) {
	store, err := e.Store()
	if err != nil {
		return "", err
	}
	defer func() { _ = store.Close() }()
	sid, ok, err := store.Get(ctx, chatbot.SessionKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("no chatbot session yet, run `chatline bot` first")
	}
	return sid, nil
}

func newBotSessionCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the chatbot session id",
	}

	var copyID bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the stored session id",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := env.botSessionID(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(sid)
			if copyID {
				return errors.Wrap(clipboard.WriteAll(sid), "copy to clipboard")
			}
			return nil
		},
	}
	show.Flags().BoolVar(&copyID, "copy", false, "also copy the id to the clipboard")

	newSession := &cobra.Command{
		Use:   "new",
		Short: "Start a new server-side chatbot session",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := env.newBotStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()
			sid, err := st.widget.NewSession(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(sid)
			return nil
		},
	}

	end := &cobra.Command{
		Use:   "end",
		Short: "End the current session and start over with a fresh id",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := env.newBotStack(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.widget.EndSession(cmd.Context()); err != nil {
				return err
			}
			fmt.Println(st.widget.SessionID())
			return nil
		},
	}

	cmd.AddCommand(show, newSession, end)
	return cmd
}
