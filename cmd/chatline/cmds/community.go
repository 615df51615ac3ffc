package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatline/pkg/api"
	"github.com/go-go-golems/chatline/pkg/directory"
	"github.com/go-go-golems/chatline/pkg/model"
	"github.com/go-go-golems/chatline/pkg/notify"
)

func printUsers(users []model.User) {
	for _, u := range users {
		fmt.Printf("%d\t%s\t%s rep\n", u.ID, u.Username, humanize.Comma(int64(u.Reputation)))
	}
}

func newUsersCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Look up forum users",
	}
	var interactive bool
	search := &cobra.Command{
		Use:   "search [query]",
		Short: "Search users by name",
		Long: "Search users by name. With --interactive every line read from stdin is a new\n" +
			"query; only the last of a quick burst of lines reaches the server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := env.Client()
			if err != nil {
				return err
			}
			dir := directory.New(client)
			if !interactive {
				if len(args) == 0 {
					return errors.New("search needs a query")
				}
				users, err := dir.SearchUsers(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				printUsers(users)
				return nil
			}
			return searchInteractive(cmd.Context(), dir, os.Stdin)
		},
	}
	search.Flags().BoolVarP(&interactive, "interactive", "i", false, "read queries from stdin as you type them")
	cmd.AddCommand(search)
	return cmd
}

func searchInteractive(ctx context.Context, dir *directory.Client, r io.Reader) error {
	var mu sync.Mutex
	ran := ""
	run := func(q string) {
		users, err := dir.SearchUsers(ctx, q)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		ran = q
		fmt.Printf("# %s\n", q)
		printUsers(users)
	}

	d := directory.NewDebouncer(directory.DefaultDebounce)
	last := ""
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		q := strings.TrimSpace(sc.Text())
		last = q
		d.Trigger(func() { run(q) })
	}
	d.Cancel()
	mu.Lock()
	pending := last != ran
	mu.Unlock()
	if pending {
		run(last)
	}
	return sc.Err()
}

func newGroupsCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage group membership",
	}
	var groupID string
	invite := &cobra.Command{
		Use:   "invite <user-id>",
		Short: "Invite a user to a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if groupID == "" {
				groupID = env.Config.GroupID
			}
			client, err := env.Client()
			if err != nil {
				return err
			}
			if err := directory.New(client).Invite(cmd.Context(), groupID, args[0]); err != nil {
				return err
			}
			fmt.Printf("invited %s to group %s\n", args[0], groupID)
			return nil
		},
	}
	invite.Flags().StringVar(&groupID, "group", "", "group id (defaults to --group-id)")
	cmd.AddCommand(invite)
	return cmd
}

func newImagesCommand(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Upload images for posts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload images, one request per file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]api.File, 0, len(args))
			for _, path := range args {
				f, err := api.ReadFile(path)
				if err != nil {
					return err
				}
				files = append(files, f)
			}
			client, err := env.Client()
			if err != nil {
				return err
			}
			uploaded := notify.UploadImages(cmd.Context(), client, files)
			for _, img := range uploaded {
				fmt.Printf("%s\t%s\t%s\n", img.Filename, humanize.Bytes(uint64(img.Size)), img.URL)
			}
			if len(uploaded) < len(files) {
				return errors.Errorf("%d of %d uploads failed", len(files)-len(uploaded), len(files))
			}
			return nil
		},
	})
	return cmd
}
