package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-seeder/internal/config"
	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/list"
	"github.com/spacedatanetwork/sdn-seeder/internal/node"
)

// ErrAlreadyListed is returned when adding a key that is listed with the
// same type.
var ErrAlreadyListed = errors.New("already added with this type")

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Edit a local list",
	Long: `Create and edit a list stored on this node. Run a seeder with the list
key to seed every entry.`,
}

var (
	listName    string
	listStorage string

	entryFlags struct {
		typ, description string
		seeders          bool
	}
	allowFlags struct {
		all, none bool
	}
)

func init() {
	listCmd.PersistentFlags().StringVarP(&listName, "name", "n", "default", "local list name")
	listCmd.PersistentFlags().StringVar(&listStorage, "storage", "", "override storage path")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create the list and print its key",
		Args:  cobra.NoArgs,
		RunE:  runListCreate,
	}

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "Show the list entries and allowed peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withList(func(ctx context.Context, l *list.List, _ *corestore.Store) error {
				fmt.Print(formatList(listName, l))
				return nil
			})
		},
	}

	namesCmd := &cobra.Command{
		Use:   "names",
		Short: "Show the local lists and their keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, _ *config.Config, store *corestore.Store) error {
				names, err := list.Named(ctx, store)
				if err != nil {
					return err
				}
				fmt.Print(formatNames(names))
				return nil
			})
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <key> <type>",
		Short: "Add a resource to the list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withList(func(ctx context.Context, l *list.List, _ *corestore.Store) error {
				v := list.Value{Type: args[1], Description: entryFlags.description, Seeders: entryFlags.seeders}
				if err := addEntry(ctx, l, args[0], v); err != nil {
					return err
				}
				fmt.Printf("Added %s %s\n", v.Type, args[0])
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&entryFlags.description, "description", "", "entry description")
	addCmd.Flags().BoolVar(&entryFlags.seeders, "seeders", false, "also join the seeders swarm")

	delCmd := &cobra.Command{
		Use:   "del <key>",
		Short: "Remove a resource from the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withList(func(ctx context.Context, l *list.List, _ *corestore.Store) error {
				return l.Del(ctx, args[0])
			})
		},
	}

	editCmd := &cobra.Command{
		Use:   "edit <key>",
		Short: "Change the type, description or seeders flag of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch list.Patch
			if cmd.Flags().Changed("type") {
				patch.Type = &entryFlags.typ
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &entryFlags.description
			}
			if cmd.Flags().Changed("seeders") {
				patch.Seeders = &entryFlags.seeders
			}
			return withList(func(ctx context.Context, l *list.List, _ *corestore.Store) error {
				return editEntry(ctx, l, args[0], patch)
			})
		},
	}
	editCmd.Flags().StringVar(&entryFlags.typ, "type", "", "new type")
	editCmd.Flags().StringVar(&entryFlags.description, "description", "", "new description")
	editCmd.Flags().BoolVar(&entryFlags.seeders, "seeders", false, "join the seeders swarm")

	allowCmd := &cobra.Command{
		Use:   "allow [public-key...]",
		Short: "Set the peers allowed to connect to seeders of this list",
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := allowedPeers(args, allowFlags.all, allowFlags.none)
			if err != nil {
				return err
			}
			return withList(func(ctx context.Context, l *list.List, _ *corestore.Store) error {
				return l.SetAllowedPeers(ctx, peers)
			})
		},
	}
	allowCmd.Flags().BoolVar(&allowFlags.all, "all", false, "allow every peer")
	allowCmd.Flags().BoolVar(&allowFlags.none, "none", false, "allow no peer")

	identityCmd := &cobra.Command{
		Use:   "identity",
		Short: "Print this node's public key for allow-lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, store *corestore.Store) error {
				publicKey, err := nodePublicKey(cfg, store)
				if err != nil {
					return err
				}
				fmt.Println(publicKey)
				return nil
			})
		},
	}

	listCmd.AddCommand(createCmd, lsCmd, namesCmd, addCmd, delCmd, editCmd, allowCmd, identityCmd)
}

func runListCreate(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, cfg *config.Config, store *corestore.Store) error {
		l, err := list.OpenNamed(ctx, store, listName)
		if err != nil {
			return err
		}
		defer l.Close()

		publicKey, err := nodePublicKey(cfg, store)
		if err != nil {
			return err
		}
		if err := l.SetPublicKey(ctx, publicKey); err != nil {
			return err
		}
		fmt.Printf("List %s: %s\n", listName, l.Core().ID())
		return nil
	})
}

func withStore(fn func(context.Context, *config.Config, *corestore.Store) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listStorage != "" {
		cfg.Storage.Path = listStorage
	}

	store, err := corestore.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	return fn(context.Background(), cfg, store)
}

func withList(fn func(context.Context, *list.List, *corestore.Store) error) error {
	return withStore(func(ctx context.Context, _ *config.Config, store *corestore.Store) error {
		l, err := list.OpenNamed(ctx, store, listName)
		if err != nil {
			return fmt.Errorf("failed to open list %s: %w", listName, err)
		}
		defer l.Close()
		return fn(ctx, l, store)
	})
}

func nodePublicKey(cfg *config.Config, store *corestore.Store) (string, error) {
	priv, err := node.Identity(cfg, store)
	if err != nil {
		return "", err
	}
	raw, err := priv.GetPublic().Raw()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// addEntry puts v under key unless key is already listed with v's type.
func addEntry(ctx context.Context, l *list.List, key string, v list.Value) error {
	prev, ok, err := l.Get(key)
	if err != nil {
		return err
	}
	if ok && prev.Type == v.Type {
		return fmt.Errorf("%s: %w", key, ErrAlreadyListed)
	}
	_, err = l.Put(ctx, key, v)
	return err
}

func editEntry(ctx context.Context, l *list.List, key string, patch list.Patch) error {
	id, err := coreid.Normalize(key)
	if err != nil {
		return err
	}
	v, ok, err := l.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not in the list", id)
	}
	_, err = l.Update(ctx, list.Entry{Key: id, Value: v}, patch)
	return err
}

// allowedPeers maps the allow flags to the list value: nil lifts the
// restriction and an empty slice denies everyone.
func allowedPeers(args []string, all, none bool) ([]string, error) {
	switch {
	case all && (none || len(args) > 0):
		return nil, errors.New("--all cannot be combined with peers or --none")
	case all:
		return nil, nil
	case none && len(args) > 0:
		return nil, errors.New("--none cannot be combined with peers")
	case none:
		return []string{}, nil
	case len(args) == 0:
		return nil, errors.New("give public keys, --all or --none")
	}

	for _, p := range args {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != coreid.KeySize {
			return nil, fmt.Errorf("invalid public key %q", p)
		}
	}
	return list.NormalizePeers(args), nil
}

func formatList(name string, l *list.List) string {
	var b strings.Builder
	snap := l.Snapshot()

	fmt.Fprintf(&b, "List %s: %s (version %d)\n", name, l.Core().ID(), snap.Version())
	switch pk, err := snap.PublicKey(); {
	case err != nil:
		fmt.Fprintf(&b, "Owner: unreadable (%v)\n", err)
	case pk != "":
		fmt.Fprintf(&b, "Owner: %s\n", pk)
	}

	entries := snap.Entries("")
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Value.Type != entries[j].Value.Type {
			return entries[i].Value.Type < entries[j].Value.Type
		}
		return entries[i].Key < entries[j].Key
	})
	for _, e := range entries {
		flag := ""
		if e.Value.Seeders {
			flag = " +seeders"
		}
		fmt.Fprintf(&b, "- %s %s%s", e.Value.Type, e.Key, flag)
		if e.Value.Description != "" {
			fmt.Fprintf(&b, " (%s)", e.Value.Description)
		}
		b.WriteByte('\n')
	}
	if len(entries) == 0 {
		b.WriteString("~\n")
	}

	switch peers, err := snap.AllowedPeers(); {
	case err != nil:
		fmt.Fprintf(&b, "Allowed peers: unreadable (%v)\n", err)
	case peers == nil:
		b.WriteString("Allowed peers: all\n")
	case len(peers) == 0:
		b.WriteString("Allowed peers: none\n")
	default:
		fmt.Fprintf(&b, "Allowed peers: %s\n", strings.Join(peers, ", "))
	}
	return b.String()
}

func formatNames(names map[string]string) string {
	if len(names) == 0 {
		return "~\n"
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var b strings.Builder
	for _, name := range sorted {
		fmt.Fprintf(&b, "%s %s\n", name, names[name])
	}
	return b.String()
}
