package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aimaestro/maestro/pkg/amp"
	"github.com/aimaestro/maestro/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	hostURL   string
	agentName string
	cfgFile   string

	// hostExplicit records whether --host or config named a host, so stored
	// credentials can supply their own host when nothing was given.
	hostExplicit bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "amp",
	Short: "Agent Message Protocol CLI for maestro hosts",
	Long: `amp is the command-line interface for the Agent Message Protocol.

It registers agents with a maestro host, sends messages, drains the
relay queue, resolves addresses, and manages the host's peer mesh.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.amp")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if hostURL == "" {
			hostURL = viper.GetString("host")
		}
		hostExplicit = hostURL != ""
		if hostURL == "" {
			hostURL = "http://localhost:4301"
		}
		if agentName == "" {
			agentName = viper.GetString("agent")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.amp/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&hostURL, "host", "", "maestro host URL (default http://localhost:4301)")
	rootCmd.PersistentFlags().StringVar(&agentName, "agent", "", "agent identity under ~/.amp/agents to act as")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(versionCmd)
}

// credentialsDir returns ~/.amp/agents/<name>.
func credentialsDir(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".amp", "agents", name), nil
}

// agentClient loads the --agent identity and builds an authenticated client
// against its host. The --host flag, when given, overrides the stored host.
func agentClient() (*client.Client, *client.Credentials, string, error) {
	if agentName == "" {
		return nil, nil, "", fmt.Errorf("no agent identity: pass --agent <name> or set 'agent' in ~/.amp/config.yaml")
	}
	dir, err := credentialsDir(agentName)
	if err != nil {
		return nil, nil, "", err
	}
	creds, err := client.LoadCredentials(dir)
	if err != nil {
		return nil, nil, "", fmt.Errorf("no credentials for %q (run 'amp register --name %s' first): %w", agentName, agentName, err)
	}

	base := hostURL
	if !hostExplicit && creds.Host != "" {
		base = creds.Host
	}
	c, err := client.New(base, client.WithAPIKey(creds.APIKey))
	if err != nil {
		return nil, nil, "", err
	}
	return c, creds, dir, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regName  string
	regAlias string
	regScope string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an agent identity with a maestro host",
	Long: `register generates an Ed25519 keypair locally, enrolls its public half
with the host, and stores the returned credentials under
~/.amp/agents/<name>/.

The private key never leaves this machine and the host stores only a
hash of the API key, so the credentials directory is the single copy
of both. Re-running register for the same name reuses the identity and
issues a fresh API key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := amp.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate keypair: %w", err)
		}

		c, err := client.New(hostURL)
		if err != nil {
			return err
		}
		res, err := c.Register(context.Background(), client.RegisterRequest{
			Name:         regName,
			PublicKeyPEM: kp.PublicKeyPEM,
			Alias:        regAlias,
			Scope:        regScope,
		})
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.Code == "name_taken" && len(apiErr.Suggestions) > 0 {
				return fmt.Errorf("name %q is taken; free alternatives: %s", regName, strings.Join(apiErr.Suggestions, ", "))
			}
			return fmt.Errorf("register: %w", err)
		}

		dir, err := credentialsDir(res.Name)
		if err != nil {
			return err
		}
		err = client.SaveCredentials(dir, &client.Credentials{
			Name:          res.Name,
			AgentID:       res.AgentID,
			Address:       res.Address,
			Fingerprint:   res.Fingerprint,
			APIKey:        res.APIKey,
			Host:          hostURL,
			PublicKeyPEM:  kp.PublicKeyPEM,
			PrivateKeyPEM: kp.PrivateKeyPEM,
		})
		if err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}

		if res.ReRegistered {
			fmt.Printf("✓ Agent re-registered (existing identity, fresh API key)\n\n")
		} else {
			fmt.Printf("✓ Agent registered\n\n")
		}
		fmt.Printf("  Address:     %s\n", res.Address)
		fmt.Printf("  Fingerprint: %s\n", res.Fingerprint)
		fmt.Printf("  Credentials: %s\n\n", dir)
		fmt.Printf("Next: amp send <to> --agent %s --subject ... --message ...\n", res.Name)
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&regName, "name", "", "Agent name (lowercase letters, digits, hyphens)")
	registerCmd.Flags().StringVar(&regAlias, "alias", "", "Optional short alias")
	registerCmd.Flags().StringVar(&regScope, "scope", "", "Optional address scope (e.g. team name)")

	_ = registerCmd.MarkFlagRequired("name")
}

// ── send ─────────────────────────────────────────────────────────────────────

var (
	sendSubject  string
	sendMessage  string
	sendType     string
	sendPriority string
	sendReplyTo  string
)

var sendCmd = &cobra.Command{
	Use:   "send <to>",
	Short: "Send a message to another agent",
	Long: `send routes one message through the agent's host. The recipient may be
a full AMP address, or a bare name for an agent on the same provider:

  amp send researcher --agent billing --subject "Daily digest" --message "Done."
  amp send researcher@lab.acme.aimaestro.local --agent billing --subject Hi --message Hello

The host signs the envelope with the agent's stored key, then delivers
locally, forwards across the mesh, or queues for relay pickup.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, _, err := agentClient()
		if err != nil {
			return err
		}

		res, err := c.Send(context.Background(), client.SendRequest{
			To:        args[0],
			Subject:   sendSubject,
			Message:   sendMessage,
			Type:      sendType,
			Priority:  sendPriority,
			InReplyTo: sendReplyTo,
		})
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}

		switch res.Status {
		case "queued":
			fmt.Printf("✓ Queued for relay pickup by %s (id %s)\n", res.To, res.ID)
			if res.Note != "" {
				fmt.Printf("  %s\n", res.Note)
			}
		default:
			fmt.Printf("✓ Delivered to %s via %s (id %s)\n", res.To, res.Method, res.ID)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Message subject")
	sendCmd.Flags().StringVar(&sendMessage, "message", "", "Message body")
	sendCmd.Flags().StringVar(&sendType, "type", "", "Payload type: request, response, notification, update, or ack (default notification)")
	sendCmd.Flags().StringVar(&sendPriority, "priority", "", "Priority: low, normal, high, or urgent (default normal)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Envelope id this message replies to (threads the conversation)")

	_ = sendCmd.MarkFlagRequired("subject")
	_ = sendCmd.MarkFlagRequired("message")
}

// ── pending ──────────────────────────────────────────────────────────────────

var (
	pendingLimit  int
	pendingFormat string
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List messages waiting in the relay queue",
	Long: `pending lists messages queued for the agent while it was unreachable,
oldest first. Listing is non-destructive; acknowledge ids with 'amp ack'
to move them into the inbox.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, _, err := agentClient()
		if err != nil {
			return err
		}

		list, err := c.Pending(context.Background(), pendingLimit)
		if err != nil {
			return fmt.Errorf("list pending: %w", err)
		}

		if pendingFormat == "json" {
			return printJSON(list)
		}
		if list.Count == 0 {
			fmt.Println("No pending messages.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFROM\tSUBJECT\tQUEUED")
		for _, m := range list.Messages {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n",
				m.Envelope.ID, m.Envelope.From, m.Envelope.Subject,
				time.Since(m.QueuedAt).Round(time.Second))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d message(s). Acknowledge with: amp ack <id>\n", list.Count)
		return nil
	},
}

func init() {
	pendingCmd.Flags().IntVar(&pendingLimit, "limit", 0, "Maximum messages to list (0 = host cap)")
	pendingCmd.Flags().StringVar(&pendingFormat, "format", "text", "Output format: text or json")
}

// ── ack ──────────────────────────────────────────────────────────────────────

var ackCmd = &cobra.Command{
	Use:   "ack <message-id> [message-id ...]",
	Short: "Acknowledge pending messages, moving them into the inbox",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, _, err := agentClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if len(args) == 1 {
			if err := c.Ack(ctx, args[0]); err != nil {
				return fmt.Errorf("ack %s: %w", args[0], err)
			}
			fmt.Printf("✓ Acknowledged %s\n", args[0])
			return nil
		}

		n, err := c.AckBatch(ctx, args)
		if err != nil {
			return fmt.Errorf("ack batch: %w", err)
		}
		fmt.Printf("✓ Acknowledged %d of %d message(s)\n", n, len(args))
		return nil
	},
}

// ── resolve ──────────────────────────────────────────────────────────────────

var resolveFormat string

var resolveCmd = &cobra.Command{
	Use:   "resolve <address|name|alias|fingerprint>",
	Short: "Resolve an agent identifier to its address, key, and liveness",
	Long: `resolve looks an agent up on the host and prints its full AMP address,
public key fingerprint, and whether a session is currently online:

  amp resolve billing
  amp resolve billing@acme.aimaestro.local
  amp resolve SHA256:frT9Yc...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(hostURL)
		if err != nil {
			return err
		}

		res, err := c.Resolve(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("resolve %q: %w", args[0], err)
		}

		if resolveFormat == "json" {
			return printJSON(res)
		}
		fmt.Printf("Address:     %s\n", res.Address)
		fmt.Printf("Name:        %s\n", res.Name)
		if res.Alias != "" {
			fmt.Printf("Alias:       %s\n", res.Alias)
		}
		fmt.Printf("Fingerprint: %s\n", res.Fingerprint)
		fmt.Printf("Online:      %t\n", res.Online)
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveFormat, "format", "text", "Output format: text or json")
}

// ── agents ───────────────────────────────────────────────────────────────────

var agentsFormat string

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the protocol-registered agents of the host",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(hostURL)
		if err != nil {
			return err
		}

		entries, err := c.Directory(context.Background())
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}

		if agentsFormat == "json" {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No registered agents.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS\tFINGERPRINT")
		for _, e := range entries {
			name := e.Name
			if e.Alias != "" {
				name += " (" + e.Alias + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, e.Address, e.Fingerprint)
		}
		return w.Flush()
	},
}

func init() {
	agentsCmd.Flags().StringVar(&agentsFormat, "format", "text", "Output format: text or json")
}

// ── peers ────────────────────────────────────────────────────────────────────

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Inspect and manage the host's peer mesh",
}

var peersFormat string

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the hosts this host knows about",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(hostURL)
		if err != nil {
			return err
		}

		hosts, err := c.Hosts(context.Background())
		if err != nil {
			return fmt.Errorf("list hosts: %w", err)
		}

		if peersFormat == "json" {
			return printJSON(hosts)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tURL\tTYPE\tENABLED\tLAST SYNC")
		for _, h := range hosts {
			sync := "never"
			if h.SyncedAt != nil {
				sync = h.SyncedAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", h.ID, h.Name, h.URL, h.Type, h.Enabled, sync)
		}
		return w.Flush()
	},
}

var (
	peerAddID   string
	peerAddName string
	peerAddDesc string
)

var peersAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Introduce a peer host by URL",
	Long: `add stores a peer in the host directory. The mesh handshake fills in the
peer's id and name on the next sync when they are not given here:

  amp peers add http://lab-box:4301
  amp peers sync`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(hostURL)
		if err != nil {
			return err
		}

		host, known, err := c.AddHost(context.Background(), client.AddHostRequest{
			ID:          peerAddID,
			Name:        peerAddName,
			URL:         args[0],
			Description: peerAddDesc,
		})
		if err != nil {
			return fmt.Errorf("add peer: %w", err)
		}

		if known {
			fmt.Printf("Peer already known: %s (%s)\n", host.URL, host.ID)
			return nil
		}
		fmt.Printf("✓ Peer added: %s (%s)\n", host.URL, host.ID)
		fmt.Println("Next: amp peers sync")
		return nil
	},
}

var peersSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Re-announce this host to every peer and swap host lists",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(hostURL)
		if err != nil {
			return err
		}

		outcome, err := c.SyncPeers(context.Background())
		if err != nil {
			return fmt.Errorf("sync peers: %w", err)
		}

		fmt.Printf("✓ Synced %d peer(s)\n", len(outcome.Synced))
		for _, f := range outcome.Failed {
			fmt.Printf("  ✗ %s: %s\n", f.Host, f.Error)
		}
		return nil
	},
}

func init() {
	peersListCmd.Flags().StringVar(&peersFormat, "format", "text", "Output format: text or json")
	peersAddCmd.Flags().StringVar(&peerAddID, "id", "", "Peer host id, when known")
	peersAddCmd.Flags().StringVar(&peerAddName, "name", "", "Peer display name")
	peersAddCmd.Flags().StringVar(&peerAddDesc, "description", "", "Free-form description")

	peersCmd.AddCommand(peersListCmd)
	peersCmd.AddCommand(peersAddCmd)
	peersCmd.AddCommand(peersSyncCmd)
}

// ── identity ─────────────────────────────────────────────────────────────────

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect and manage the agent's protocol identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, creds, dir, err := agentClient()
		if err != nil {
			return err
		}

		fmt.Printf("Name:        %s\n", creds.Name)
		fmt.Printf("Address:     %s\n", creds.Address)
		fmt.Printf("Fingerprint: %s\n", creds.Fingerprint)
		fmt.Printf("Host:        %s\n", creds.Host)
		fmt.Printf("Credentials: %s\n", dir)

		// Liveness is best-effort; the stored identity prints either way.
		if res, err := c.Resolve(context.Background(), creds.Address); err == nil {
			fmt.Printf("Online:      %t\n", res.Online)
		} else {
			fmt.Printf("Online:      unknown (%v)\n", err)
		}
		return nil
	},
}

var identityRotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Issue a fresh API key and revoke the current one",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, creds, dir, err := agentClient()
		if err != nil {
			return err
		}

		rot, err := c.RotateKey(context.Background())
		if err != nil {
			return fmt.Errorf("rotate key: %w", err)
		}

		creds.APIKey = rot.APIKey
		if err := client.SaveCredentials(dir, creds); err != nil {
			return fmt.Errorf("store rotated key: %w", err)
		}
		fmt.Println("✓ API key rotated and stored")
		return nil
	},
}

var identityRotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Replace the agent's Ed25519 signing keypair",
	Long: `rotate-keys asks the host to generate a replacement keypair. The address
is unchanged; the fingerprint is not, so peers that pinned it must
re-resolve. The new private key is stored locally and the host keeps
only the public half.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, creds, dir, err := agentClient()
		if err != nil {
			return err
		}

		rot, err := c.RotateKeypair(context.Background())
		if err != nil {
			return fmt.Errorf("rotate keypair: %w", err)
		}

		creds.Fingerprint = rot.Fingerprint
		creds.PublicKeyPEM = rot.PublicKeyPEM
		creds.PrivateKeyPEM = rot.PrivateKeyPEM
		if err := client.SaveCredentials(dir, creds); err != nil {
			return fmt.Errorf("store rotated keys: %w", err)
		}
		fmt.Printf("✓ Signing keys rotated\n")
		fmt.Printf("  Fingerprint: %s\n", rot.Fingerprint)
		return nil
	},
}

var identityRevokeForce bool

var identityRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke the agent's API key without issuing a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, creds, _, err := agentClient()
		if err != nil {
			return err
		}

		if !identityRevokeForce {
			fmt.Printf("Revoke the API key for %s? The agent cannot authenticate until re-registered. [y/N]: ", creds.Address)
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := c.RevokeKey(context.Background()); err != nil {
			return fmt.Errorf("revoke key: %w", err)
		}
		fmt.Printf("✓ API key revoked for %s\n", creds.Address)
		fmt.Printf("Re-enroll with: amp register --name %s\n", creds.Name)
		return nil
	},
}

func init() {
	identityRevokeCmd.Flags().BoolVar(&identityRevokeForce, "force", false, "Skip confirmation prompt")

	identityCmd.AddCommand(identityRotateKeyCmd)
	identityCmd.AddCommand(identityRotateKeysCmd)
	identityCmd.AddCommand(identityRevokeCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the amp CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("amp %s (Agent Message Protocol)\n", version)
	},
}
