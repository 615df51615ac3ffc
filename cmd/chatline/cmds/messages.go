package cmds

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/chatline/pkg/api"
	"github.com/go-go-golems/chatline/pkg/eventbus"
	"github.com/go-go-golems/chatline/pkg/events"
	"github.com/go-go-golems/chatline/pkg/i18n"
	"github.com/go-go-golems/chatline/pkg/messenger"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/notify"
	"github.com/go-go-golems/chatline/pkg/realtime"
	"github.com/go-go-golems/chatline/pkg/render"
	"github.com/go-go-golems/chatline/pkg/ui"
)

// chatStack is a connected messenger: session, bus and coordinator.
type chatStack struct {
	session   *realtime.Session
	bus       *eventbus.Bus
	coord     *eventbus.Coordinator
	messenger *messenger.Messenger
	watcher   *stateWatcher
}

func (e *Env) newChatStack(ctx context.Context, opts ...messenger.Option) (*chatStack, error) {
	viewer, err := e.Username()
	if err != nil {
		return nil, err
	}
	client, err := e.Client()
	if err != nil {
		return nil, err
	}
	bus, err := e.Bus()
	if err != nil {
		return nil, err
	}
	st := &chatStack{bus: bus, watcher: newStateWatcher()}
	st.session, err = e.ChatSession(client,
		realtime.WithSubscription(messenger.QueueDestination, bus.Forward(eventbus.TopicChat)),
		realtime.WithStateHook(st.watcher.hook),
	)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	base := []messenger.Option{messenger.WithLocalizer(e.Localizer()), messenger.WithBaseContext(ctx)}
	st.messenger = messenger.New(viewer, client, st.session, append(base, opts...)...)
	st.coord = eventbus.NewCoordinator(eventbus.TopicChat, bus.Subscriber(), events.DecodeChat, st.messenger.Handle,
		eventbus.WithCoordinatorMetrics(e.Metrics()))
	if err := st.coord.Start(ctx); err != nil {
		_ = bus.Close()
		return nil, err
	}
	return st, nil
}

func (st *chatStack) Close() {
	st.messenger.Wait()
	st.coord.Stop()
	_ = st.bus.Close()
}

func newInboxCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "Open the interactive inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			bridge := ui.NewBridge(256)
			st, err := env.newChatStack(ctx, messenger.WithView(bridge), messenger.WithToaster(bridge))
			if err != nil {
				return err
			}
			defer st.Close()

			g, gctx := env.Group(ctx)
			sessionDone := make(chan struct{})
			go func() {
				defer close(sessionDone)
				runInboxSession(gctx, st.session, bridge, env.Localizer())
			}()
			defer func() { <-sessionDone }()
			go func() {
				if st.watcher.waitConnected(gctx, st.session) == nil {
					bridge.Status(true)
				}
			}()
			// a failed load is toasted; the list fills from live events
			_ = st.messenger.LoadConversations(gctx)

			p := tea.NewProgram(ui.NewInboxModel(gctx, st.messenger, env.Localizer(), bridge.Events()), tea.WithAltScreen(), tea.WithContext(gctx))
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
}

// runInboxSession runs the real-time session until it ends. A failed
// connection leaves the inbox usable: it is logged and toasted.
func runInboxSession(ctx context.Context, s *realtime.Session, bridge *ui.Bridge, loc *i18n.Localizer) {
	err := s.Run(ctx)
	bridge.Status(false)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	log.Error().Err(err).Str("component", "inbox").Msg("real-time session stopped")
	notify.Show(bridge, notify.LevelDanger, loc.T(i18n.ToastNotConnected))
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newConversationsCommand(env *Env) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			viewer, err := env.Username()
			if err != nil {
				return err
			}
			client, err := env.Client()
			if err != nil {
				return err
			}
			m := messenger.New(viewer, client, nil, messenger.WithToaster(stderrToaster), messenger.WithLocalizer(env.Localizer()))
			if err := m.LoadConversations(cmd.Context()); err != nil {
				return err
			}
			now := time.Now()
			loc := env.Localizer()
			for _, s := range m.Conversations(query) {
				fmt.Println(render.ConversationLine(s, now, loc))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "filter", "f", "", "only show conversations matching this text")
	return cmd
}

func newHistoryCommand(env *Env) *cobra.Command {
	var page, size int
	cmd := &cobra.Command{
		Use:   "history <user>",
		Short: "Print the conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			viewer, err := env.Username()
			if err != nil {
				return err
			}
			client, err := env.Client()
			if err != nil {
				return err
			}
			msgs, err := client.Conversation(cmd.Context(), args[0], page, size)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Println(render.MessageLine(m, viewer))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "page number")
	cmd.Flags().IntVar(&size, "size", api.HistoryPageSize, "page size")
	return cmd
}

func newSendCommand(env *Env) *cobra.Command {
	var files []string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <user> <text>",
		Short: "Send a message, optionally with attachments",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := ""
			if len(args) == 2 {
				text = args[1]
			}
			attachments := make([]api.File, 0, len(files))
			for _, path := range files {
				f, err := api.ReadFile(path)
				if err != nil {
					return err
				}
				attachments = append(attachments, f)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			st, err := env.newChatStack(ctx, messenger.WithToaster(stderrToaster))
			if err != nil {
				return err
			}
			defer st.Close()

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			done := make(chan error, 1)
			go func() { done <- st.session.Run(runCtx) }()

			waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
			defer waitCancel()
			if err := st.watcher.waitConnected(waitCtx, st.session); err != nil {
				return err
			}
			if err := st.messenger.Select(args[0]); err != nil {
				return err
			}
			if err := st.messenger.SendMessage(ctx, text, attachments); err != nil {
				return err
			}
			stop()
			<-done
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&files, "file", nil, "attach a file (repeatable)")
	cmd.Flags().DurationVar(&timeout, "connect-timeout", 15*time.Second, "how long to wait for the real-time connection")
	return cmd
}

func newRecallCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "recall <message-id>",
		Short: "Recall one of your messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := env.actionMessenger()
			if err != nil {
				return err
			}
			return m.Recall(cmd.Context(), model.MessageID(args[0]))
		},
	}
}

func newDeleteCommand(env *Env) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := confirm(fmt.Sprintf("Delete message %s? [y/n]", args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			m, err := env.actionMessenger()
			if err != nil {
				return err
			}
			return m.Delete(cmd.Context(), model.MessageID(args[0]))
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// actionMessenger is a messenger without a real-time session, for one-shot
// REST actions.
func (e *Env) actionMessenger() (*messenger.Messenger, error) {
	viewer, err := e.Username()
	if err != nil {
		return nil, err
	}
	client, err := e.Client()
	if err != nil {
		return nil, err
	}
	return messenger.New(viewer, client, nil, messenger.WithToaster(stderrToaster), messenger.WithLocalizer(e.Localizer())), nil
}

func confirm(query string) (bool, error) {
	ui := &input.UI{Writer: os.Stderr, Reader: os.Stdin}
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y", nil
}
