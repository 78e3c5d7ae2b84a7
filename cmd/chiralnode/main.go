// Command chiralnode runs a networking core node and offers a thin CLI
// for operating it, dialing the local control API the same way an embedder
// would.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"chiral-network/core/pkg/agent"
	"chiral-network/core/pkg/config"
	"chiral-network/core/pkg/control"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/logging"
	"chiral-network/core/pkg/transport"
	"chiral-network/core/pkg/transport/quic"
	"chiral-network/core/pkg/transport/tcp"
)

const defaultControlAddr = "127.0.0.1:27777"

func main() {
	app := &cli.App{
		Name:    "chiralnode",
		Usage:   "peer-to-peer file sharing node",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "control-addr", Value: defaultControlAddr, Usage: "control API address", EnvVars: []string{"CHIRAL_CONTROL_ADDR"}},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn, error"},
		},
		Before: func(c *cli.Context) error {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", c.String("log-level"), err)
			}
			logging.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			startCmd(),
			keygenCmd(),
			statusCmd(),
			peersCmd(),
			seedsCmd(),
			publishCmd(),
			searchCmd(),
			getCmd(),
			cancelCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func identityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".chiralnode", "identity.json")
}

func startCmd() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "start a node and its control API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file; explicit flags below override it"},
			&cli.StringFlag{Name: "listen-addr", Value: "0.0.0.0:4001", Usage: "address to accept peer connections on"},
			&cli.StringSliceFlag{Name: "advertise-addr", Usage: "addresses advertised to the DHT and discovery (repeatable)"},
			&cli.StringFlag{Name: "transport", Value: "quic", Usage: "quic or tcp"},
			&cli.StringFlag{Name: "chunk-dir", Value: filepath.Join(os.TempDir(), "chiral-network-chunks"), Usage: "directory registered files' chunks are stored under"},
			&cli.StringFlag{Name: "tier", Value: "standard", Usage: "free, standard, or premium"},
			&cli.StringFlag{Name: "seed-file", Usage: "bootstrap seed-node file path"},
			&cli.BoolFlag{Name: "discovery", Value: true, Usage: "enable local multicast discovery"},
			&cli.StringFlag{Name: "identity-file", Value: identityPath(), Usage: "path to this node's persisted identity"},
		},
		Action: func(c *cli.Context) error {
			fileCfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			listenAddr := firstSet(c, "listen-addr", fileCfg.ListenAddr, c.String("listen-addr"))
			advertiseAddrs := c.StringSlice("advertise-addr")
			if !c.IsSet("advertise-addr") && len(fileCfg.AdvertiseAddrs) > 0 {
				advertiseAddrs = fileCfg.AdvertiseAddrs
			}
			transportName := firstSet(c, "transport", fileCfg.Transport, c.String("transport"))
			chunkDir := firstSet(c, "chunk-dir", fileCfg.ChunkDir, c.String("chunk-dir"))
			tier := firstSet(c, "tier", fileCfg.Tier, c.String("tier"))
			seedFile := firstSet(c, "seed-file", fileCfg.SeedFile, c.String("seed-file"))
			identityFile := firstSet(c, "identity-file", fileCfg.IdentityFile, c.String("identity-file"))
			discoveryEnabled := c.Bool("discovery")
			if !c.IsSet("discovery") && fileCfg.Discovery != nil {
				discoveryEnabled = *fileCfg.Discovery
			}

			id, err := identity.LoadOrGenerate(identityFile)
			if err != nil {
				return fmt.Errorf("failed to load or create identity: %w", err)
			}

			tr := transportByName(transportName)

			a, err := agent.New(agent.Config{
				Identity:        id,
				Transport:       tr,
				ListenAddr:      listenAddr,
				Addresses:       advertiseAddrs,
				ChunkDir:        chunkDir,
				Tier:            tier,
				SeedFile:        seedFile,
				EnableDiscovery: discoveryEnabled,
			})
			if err != nil {
				return fmt.Errorf("failed to build node: %w", err)
			}

			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			// The supervisor restarts the node on an unexpected error state
			// instead of leaving a dead node behind a live control socket.
			super := agent.NewSupervisor(a)
			if err := super.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			fmt.Printf("peer_id: %s\n", a.PeerID())

			listener, err := net.Listen("tcp", c.String("control-addr"))
			if err != nil {
				return fmt.Errorf("failed to listen for control connections: %w", err)
			}
			defer listener.Close()
			fmt.Printf("control API listening on %s\n", listener.Addr().String())

			server := control.NewServer(a)
			go func() {
				if err := server.Serve(ctx, listener); err != nil && ctx.Err() == nil {
					fmt.Fprintln(os.Stderr, "control API error:", err)
				}
			}()

			<-ctx.Done()
			return super.Stop(context.Background())
		},
	}
}

// firstSet returns the file config's value for flag unless it was set
// explicitly on the command line, in which case the flag wins.
func firstSet(c *cli.Context, flag, fileValue, flagValue string) string {
	if c.IsSet(flag) || fileValue == "" {
		return flagValue
	}
	return fileValue
}

func transportByName(name string) transport.Transport {
	switch name {
	case "tcp":
		return tcp.New()
	default:
		return quic.New()
	}
}

func keygenCmd() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "generate a new identity and print its peer ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "identity-file", Value: identityPath(), Usage: "path to write the generated identity to"},
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing identity file"},
		},
		Action: func(c *cli.Context) error {
			path := c.String("identity-file")
			if !c.Bool("force") {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("identity already exists at %s (use --force to overwrite)", path)
				}
			}
			id, err := identity.GenerateIdentity()
			if err != nil {
				return fmt.Errorf("failed to generate identity: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("failed to create identity directory: %w", err)
			}
			if err := id.SaveToFile(path); err != nil {
				return fmt.Errorf("failed to save identity: %w", err)
			}
			fmt.Printf("peer_id: %s\nsaved to: %s\n", id.PeerID(), path)
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the running node's identity and state",
		Action: func(c *cli.Context) error {
			resp, err := dialAndCall(c.String("control-addr"), control.Request{Method: "get_info", ID: "status"})
			if err != nil {
				return err
			}
			return printResult(resp)
		},
	}
}

func peersCmd() *cli.Command {
	return &cli.Command{
		Name:  "peers",
		Usage: "list known DHT peers",
		Action: func(c *cli.Context) error {
			resp, err := dialAndCall(c.String("control-addr"), control.Request{Method: "list_peers", ID: "peers"})
			if err != nil {
				return err
			}
			return printResult(resp)
		},
	}
}

func seedsCmd() *cli.Command {
	return &cli.Command{
		Name:  "seeds",
		Usage: "inspect or add bootstrap seed nodes",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list configured seed nodes",
				Action: func(c *cli.Context) error {
					resp, err := dialAndCall(c.String("control-addr"), control.Request{Method: "seeds.list", ID: "seeds-list"})
					if err != nil {
						return err
					}
					return printResult(resp)
				},
			},
			{
				Name:      "add",
				Usage:     "add a seed node",
				ArgsUsage: "<peer-id> <addr>...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "human-readable label for this seed node"},
				},
				Action: func(c *cli.Context) error {
					if c.Args().Len() < 2 {
						return fmt.Errorf("usage: seeds add <peer-id> <addr>...")
					}
					peerID := c.Args().First()
					addrs := c.Args().Slice()[1:]
					addrsParam := make([]interface{}, len(addrs))
					for i, a := range addrs {
						addrsParam[i] = a
					}
					resp, err := dialAndCall(c.String("control-addr"), control.Request{
						Method: "seeds.add",
						ID:     "seeds-add",
						Params: map[string]interface{}{
							"peer_id": peerID,
							"addrs":   addrsParam,
							"name":    c.String("name"),
						},
					})
					if err != nil {
						return err
					}
					return printResult(resp)
				},
			},
		},
	}
}

func publishCmd() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "register a file and announce it on the DHT",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: publish <path>")
			}
			path, err := filepath.Abs(c.Args().First())
			if err != nil {
				return err
			}
			registerResp, err := dialAndCall(c.String("control-addr"), control.Request{
				Method: "register_shared_file",
				ID:     "register",
				Params: map[string]interface{}{"path": path},
			})
			if err != nil {
				return err
			}
			if registerResp.Error != "" {
				return fmt.Errorf("register_shared_file: %s", registerResp.Error)
			}
			result, _ := registerResp.Result.(map[string]interface{})
			hash, _ := result["hash"].(string)
			if hash == "" {
				return fmt.Errorf("register_shared_file returned no hash")
			}

			publishResp, err := dialAndCall(c.String("control-addr"), control.Request{
				Method: "publish_file",
				ID:     "publish",
				Params: map[string]interface{}{"hash": hash},
			})
			if err != nil {
				return err
			}
			if publishResp.Error != "" {
				return fmt.Errorf("publish_file: %s", publishResp.Error)
			}
			fmt.Printf("hash: %s\n", hash)
			return nil
		},
	}
}

func searchCmd() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "look up providers for a content hash",
		ArgsUsage: "<hash>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: search <hash>")
			}
			resp, err := dialAndCall(c.String("control-addr"), control.Request{
				Method: "search_file",
				ID:     "search",
				Params: map[string]interface{}{"hash": c.Args().First()},
			})
			if err != nil {
				return err
			}
			return printResult(resp)
		},
	}
}

func getCmd() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "download a file by content hash",
		ArgsUsage: "<hash> <output-path>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("usage: get <hash> <output-path>")
			}
			resp, err := dialAndCall(c.String("control-addr"), control.Request{
				Method: "start_download",
				ID:     "get",
				Params: map[string]interface{}{
					"hash":        c.Args().Get(0),
					"output_path": c.Args().Get(1),
				},
			})
			if err != nil {
				return err
			}
			return printResult(resp)
		},
	}
}

func cancelCmd() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "cancel an in-progress download",
		ArgsUsage: "<hash>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("usage: cancel <hash>")
			}
			resp, err := dialAndCall(c.String("control-addr"), control.Request{
				Method: "cancel_download",
				ID:     "cancel",
				Params: map[string]interface{}{"hash": c.Args().First()},
			})
			if err != nil {
				return err
			}
			return printResult(resp)
		},
	}
}

// dialAndCall opens a short-lived connection to a running node's control
// API, sends one request, and reads one response.
func dialAndCall(addr string, req control.Request) (control.Response, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return control.Response{}, fmt.Errorf("failed to connect to control API at %s: %w", addr, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return control.Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	var resp control.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return control.Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

func printResult(resp control.Response) error {
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	out, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
