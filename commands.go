package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/db"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
	"github.com/deemkeen/courier/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const poolDrainTimeout = 30 * time.Second

// engine holds the wired components shared by the commands.
type engine struct {
	conf      *util.AppConfig
	logger    *zap.Logger
	db        *db.DB
	keys      *activitypub.KeyManager
	dir       *activitypub.ActorDirectory
	health    *activitypub.HealthMonitor
	pool      *activitypub.TaskPool
	publisher *activitypub.Publisher
	inbox     *activitypub.InboxProcessor
	worker    *activitypub.Worker
}

func openEngine(ctx context.Context) (*engine, error) {
	boot, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	conf, err := util.ReadConf(boot)
	if err != nil {
		return nil, err
	}
	logger, err := util.NewLogger(conf)
	if err != nil {
		return nil, err
	}

	database, err := db.Open(util.ResolveFilePath(conf.Conf.DatabasePath), logger)
	if err != nil {
		return nil, err
	}
	if err := activitypub.SeedBlocklist(ctx, database, conf.Blocklist); err != nil {
		database.Close()
		return nil, err
	}

	e := &engine{conf: conf, logger: logger, db: database}
	e.keys = activitypub.NewKeyManager(database, conf.Keys.Bits, logger)
	e.dir = activitypub.NewActorDirectory(database, conf, logger)
	e.health = activitypub.NewHealthMonitor(database, conf.Health, activitypub.NewDeliveryMetrics(prometheus.DefaultRegisterer), logger)
	e.pool = activitypub.NewTaskPool(conf.Delivery.PoolSize, conf.Delivery.PoolQueue, logger)
	planner := activitypub.NewFanoutPlanner(database, conf.Delivery.BatchSize, conf.Delivery.Partitions, logger)
	e.publisher = activitypub.NewPublisher(database, planner, e.pool, conf, logger)
	e.inbox = activitypub.NewInboxProcessor(database, e.dir, e.publisher, activitypub.NewInboxFeed(), e.health.Metrics(), logger)
	e.worker = activitypub.NewWorker(database, e.dir, e.keys, e.health, conf, logger)
	return e, nil
}

// Close drains queued routing tasks before the database goes away.
func (e *engine) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), poolDrainTimeout)
	defer cancel()
	if err := e.pool.Close(ctx); err != nil {
		e.logger.Warn("routing tasks left unfinished", zap.Error(err))
	}
	if err := e.db.Close(); err != nil {
		e.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = e.logger.Sync()
}

func (e *engine) identity(ctx context.Context, handle string) (*domain.LocalIdentity, error) {
	identity, err := e.db.ReadIdentityByHandle(ctx, strings.ToLower(handle))
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("identity %s does not exist", handle)
	}
	return identity, err
}

// withEngine runs f with a wired engine and a context cancelled on SIGINT
// or SIGTERM.
func withEngine(f func(ctx context.Context, e *engine) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return f(ctx, e)
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           util.Name,
		Short:         "Federation delivery engine",
		Long:          "Signs, fans out and delivers ActivityPub activities for local identities and verifies what arrives in their inboxes.",
		Version:       util.GetNameAndVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		workerCmd(),
		identityCmd(),
		blockCmd(),
		unblockCmd(),
		domainsCmd(),
		resolveCmd(),
		statusCmd(),
	)
	return root
}

func serveCmd() *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP endpoints and the delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				server := web.NewServer(e.conf, e.db, e.keys, e.inbox, e.publisher, e.health, prometheus.DefaultGatherer, e.logger)

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return server.Run(ctx) })
				if !noWorker {
					g.Go(func() error { return e.worker.Run(ctx) })
					g.Go(func() error { return e.publisher.RunRecovery(ctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve HTTP only; run deliveries with a separate worker process")
	return cmd
}

func workerCmd() *cobra.Command {
	var (
		partition string
		once      bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the delivery worker without HTTP endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				if !once {
					if partition != "" {
						return fmt.Errorf("--partition requires --once; the loop covers every partition")
					}
					g, ctx := errgroup.WithContext(ctx)
					g.Go(func() error { return e.worker.Run(ctx) })
					g.Go(func() error { return e.publisher.RunRecovery(ctx) })
					return g.Wait()
				}

				if n, err := e.publisher.RecoverRouting(ctx); err != nil {
					return err
				} else if n > 0 {
					fmt.Printf("re-routed %d stranded activities\n", n)
				}

				partitions := []string{partition}
				if partition == "" {
					partitions = partitions[:0]
					for i := 0; i < e.conf.Delivery.Partitions; i++ {
						partitions = append(partitions, activitypub.PartitionName(i))
					}
				}
				for _, p := range partitions {
					result, err := e.worker.RunPass(ctx, p)
					if err != nil {
						return fmt.Errorf("pass over %s: %w", p, err)
					}
					fmt.Printf("%s: items %d (%d done, %d retry), batches %d (%d done, %d retry), requests %d, failures %d, requeued %d\n",
						p, result.Items, result.ProcessedItems, result.RescheduledItems,
						result.Batches, result.ProcessedBatches, result.RescheduledBatches,
						result.DeliveryAttempts, result.DeliveryFailures, result.Requeued)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&partition, "partition", "", "partition to process, e.g. p01 (default all)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage local identities",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <handle>",
			Short: "Create an identity and print its bearer token",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(func(ctx context.Context, e *engine) error {
					identity, token, err := activitypub.CreateIdentity(ctx, e.db, e.conf, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("Created %s\n", identity.ActorURL)
					fmt.Printf("Token (shown once): %s\n", token)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <handle>",
			Short: "Print an identity",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(func(ctx context.Context, e *engine) error {
					identity, err := e.identity(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Println(identity.ToString())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List identities",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(func(ctx context.Context, e *engine) error {
					identities, err := e.db.ReadIdentities(ctx)
					if err != nil {
						return err
					}
					for _, identity := range identities {
						fmt.Printf("%-20s %-9s %5d followers  %s\n", identity.Handle, identity.Status, identity.FollowerCount, identity.ActorURL)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "following <handle>",
			Short: "List the remote actors an identity follows",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(func(ctx context.Context, e *engine) error {
					identity, err := e.identity(ctx, args[0])
					if err != nil {
						return err
					}
					follows, err := e.db.ReadOutgoingFollows(ctx, identity.Id)
					if err != nil {
						return err
					}
					for _, f := range follows {
						fmt.Printf("%-9s %s  %s\n", f.Status, f.UpdatedAt.Format(time.RFC3339), f.RemoteActorURL)
					}
					return nil
				})
			},
		},
		statusChangeCmd("disable", "Stop publishing and receiving for an identity", domain.IdentityDisabled),
		statusChangeCmd("enable", "Reactivate a disabled identity", domain.IdentityActive),
		&cobra.Command{
			Use:   "token <handle>",
			Short: "Replace the bearer token of an identity",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(func(ctx context.Context, e *engine) error {
					identity, err := e.identity(ctx, args[0])
					if err != nil {
						return err
					}
					token, err := activitypub.ResetToken(ctx, e.db, identity)
					if err != nil {
						return err
					}
					fmt.Printf("Token (shown once): %s\n", token)
					return nil
				})
			},
		},
		publishCmd("follow <handle> <remote-actor-url>", "Follow a remote actor", (*activitypub.Publisher).Follow),
		publishCmd("unfollow <handle> <remote-actor-url>", "Stop following a remote actor", (*activitypub.Publisher).Unfollow),
		publishCmd("move <handle> <new-actor-url>", "Announce that the identity moved and mark it moved", (*activitypub.Publisher).Move),
	)
	return cmd
}

func statusChangeCmd(use, short string, status domain.IdentityStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <handle>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				identity, err := e.identity(ctx, args[0])
				if err != nil {
					return err
				}
				if identity.Status == domain.IdentityMoved {
					return fmt.Errorf("identity %s moved to %s and cannot change status", identity.Handle, identity.MovedTo)
				}
				if err := e.db.UpdateIdentityStatus(ctx, identity.Id, status, ""); err != nil {
					return err
				}
				fmt.Printf("%s is now %s\n", identity.Handle, status)
				return nil
			})
		},
	}
}

type publishFunc func(p *activitypub.Publisher, ctx context.Context, identity *domain.LocalIdentity, target string) (*activitypub.PublishResult, error)

// publishCmd runs a publisher operation that takes an identity and a URL.
func publishCmd(use, short string, publish publishFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				identity, err := e.identity(ctx, args[0])
				if err != nil {
					return err
				}
				result, err := publish(e.publisher, ctx, identity, args[1])
				if err != nil {
					return err
				}
				fmt.Printf("Queued %s %s\n", result.Type, result.ActivityID)
				return nil
			})
		},
	}
}

func blockCmd() *cobra.Command {
	var allow bool

	cmd := &cobra.Command{
		Use:   "block <host>",
		Short: "Block a domain and its subdomains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				status := domain.DomainBlocked
				if allow {
					status = domain.DomainAllowed
				}
				host := strings.ToLower(args[0])
				if err := e.db.SetDomainStatus(ctx, host, status); err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", host, status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&allow, "allow", false, "store an allowed entry, exempting a subdomain of a blocked domain")
	return cmd
}

func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <host>",
		Short: "Remove a domain entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				host := strings.ToLower(args[0])
				err := e.db.DeleteDomain(ctx, host)
				if errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("%s has no entry", host)
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s: removed\n", host)
				return nil
			})
		},
	}
}

func domainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List domain entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				domains, err := e.db.ListDomains(ctx)
				if err != nil {
					return err
				}
				for _, d := range domains {
					fmt.Printf("%-40s %s\n", d.Host, d.Status)
				}
				return nil
			})
		},
	}
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <actor-url>",
		Short: "Fetch a remote identity document and update the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				actor, err := e.dir.Refresh(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("actor:        %s\n", actor.ActorURL)
				fmt.Printf("inbox:        %s\n", actor.InboxURL)
				if actor.SharedInboxURL != "" {
					fmt.Printf("shared inbox: %s\n", actor.SharedInboxURL)
				}
				fmt.Printf("key:          %s\n", actor.PublicKeyId)
				fmt.Printf("fetched:      %s\n", actor.FetchedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show delivery health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				report, err := e.health.Snapshot(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					fmt.Println(util.PrettyPrint(report))
					return nil
				}
				fmt.Println(renderStatus(report))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}
