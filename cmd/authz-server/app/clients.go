package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/authz-server/server"
	"github.com/giantswarm/authz-server/storage"
)

// seedFile is the document read by 'clients seed'
type seedFile struct {
	Clients []seedClient `yaml:"clients"`
}

type seedClient struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Type            string `yaml:"type"`
	RedirectURI     string `yaml:"redirect_uri"`
	AccessTokenTTL  int64  `yaml:"access_token_ttl"`
	RefreshTokenTTL int64  `yaml:"refresh_token_ttl"`
}

func (c *cli) newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered clients",
	}
	cmd.AddCommand(
		c.newClientsCreateCmd(),
		c.newClientsListCmd(),
		c.newClientsSeedCmd(),
	)
	return cmd
}

func (c *cli) newClientsCreateCmd() *cobra.Command {
	var spec server.ClientSpec

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new client",
		Long: `Register a new client and print its id.

Confidential clients are issued a secret which is printed once and stored
only as a hash.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
				client, secret, err := srv.CreateClient(ctx, spec)
				if err != nil {
					return fmt.Errorf("failed to create client: %w", err)
				}
				return c.printCreated(client, secret)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&spec.ID, "id", "", "Client id (generated when empty)")
	flags.StringVar(&spec.Name, "name", "", "Display name shown on the consent screen")
	flags.StringVar(&spec.Type, "type", storage.ClientTypeConfidential, "Client type (confidential, public)")
	flags.StringVar(&spec.RedirectURI, "redirect-uri", "", "Registered redirect URI")
	flags.Int64Var(&spec.AccessTokenTTL, "access-ttl", 0, "Access token lifetime in seconds (0 uses tokens.access_ttl)")
	flags.Int64Var(&spec.RefreshTokenTTL, "refresh-ttl", 0, "Refresh token lifetime in seconds (0 uses tokens.refresh_ttl)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("redirect-uri")

	return cmd
}

func (c *cli) newClientsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, c.v, c.logger, true)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			clients, err := store.ListClients(ctx)
			if err != nil {
				return fmt.Errorf("failed to list clients: %w", err)
			}
			return c.printClients(clients)
		},
	}
}

func (c *cli) newClientsSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Register the clients listed in a YAML file",
		Long: `Register every client listed in a YAML file of the form

  clients:
    - id: dashboard
      name: Dashboard
      type: public
      redirect_uri: https://dashboard.example.com/callback
      access_token_ttl: 900

Clients whose id is already registered are skipped, so the command can run
on every deploy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := readSeedFile(args[0])
			if err != nil {
				return err
			}
			return c.withServer(cmd.Context(), func(ctx context.Context, srv *server.Server) error {
				return c.seedClients(ctx, srv, seed.Clients)
			})
		},
	}
}

// withServer opens the configured store and builds a server on it for the
// duration of fn.
func (c *cli) withServer(ctx context.Context, fn func(context.Context, *server.Server) error) error {
	store, err := openStore(ctx, c.v, c.logger, true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	srv, err := c.newServer(store)
	if err != nil {
		return err
	}
	return fn(ctx, srv)
}

func readSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	for i, sc := range seed.Clients {
		if sc.ID == "" {
			return nil, fmt.Errorf("seed file %s: client %d has no id", path, i)
		}
	}
	return &seed, nil
}

func (c *cli) seedClients(ctx context.Context, srv *server.Server, clients []seedClient) error {
	created, skipped := 0, 0
	for _, sc := range clients {
		client, secret, err := srv.CreateClient(ctx, server.ClientSpec{
			ID:              sc.ID,
			Name:            sc.Name,
			Type:            sc.Type,
			RedirectURI:     sc.RedirectURI,
			AccessTokenTTL:  sc.AccessTokenTTL,
			RefreshTokenTTL: sc.RefreshTokenTTL,
		})
		if errors.Is(err, storage.ErrClientExists) {
			c.logger.Info("Client already registered, skipping", "client_id", sc.ID)
			skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to seed client %s: %w", sc.ID, err)
		}
		if err := c.printCreated(client, secret); err != nil {
			return err
		}
		created++
	}
	c.logger.Info("Seeded clients", "created", created, "skipped", skipped)
	return nil
}

func (c *cli) printCreated(client *storage.Client, secret string) error {
	if _, err := fmt.Fprintf(c.out, "Created %s client %s\n", client.Type.Name(), client.ID); err != nil {
		return err
	}
	if secret == "" {
		return nil
	}
	_, err := fmt.Fprintf(c.out, "Client secret (shown once): %s\n", secret)
	return err
}

func (c *cli) printClients(clients []*storage.Client) error {
	if len(clients) == 0 {
		_, err := fmt.Fprintln(c.out, "No clients registered")
		return err
	}

	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })

	headers := []string{"ID", "Name", "Type", "Redirect URI", "Access TTL (s)", "Refresh TTL (s)", "Created"}
	table := tablewriter.NewWriter(c.out)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)

	for _, client := range clients {
		if err := table.Append([]string{
			client.ID,
			client.Name,
			client.Type.Name(),
			client.RedirectURI,
			ttlSeconds(client.AccessTokenTTL),
			ttlSeconds(client.RefreshTokenTTL),
			formatTime(client.CreatedAt),
		}); err != nil {
			return fmt.Errorf("failed to append table row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// ttlSeconds formats a lifetime in whole seconds, the unit clients are
// created with.
func ttlSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
