package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"sort"

	"github.com/ruteri/blobrepo/blobrepo"
	"github.com/ruteri/blobrepo/cacheblob"
	"github.com/ruteri/blobrepo/cachelib"
	"github.com/ruteri/blobrepo/cmd/flags"
	"github.com/ruteri/blobrepo/config"
	"github.com/ruteri/blobrepo/interfaces"
	"github.com/ruteri/blobrepo/storage"
	"github.com/urfave/cli/v2"
)

var errNotFound = errors.New("key not found")

var configFlag = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Required: true,
	Usage:    "repository configuration file (YAML)",
}

// session is an opened repository plus the process-wide caches it uses.
type session struct {
	cfg    *config.RepoConfig
	repo   *blobrepo.BlobRepo
	shared *cacheblob.RedisCache
	log    *slog.Logger
}

func (s *session) Close() error {
	err := s.repo.Close()
	if s.shared != nil {
		if cerr := s.shared.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func openSession(cCtx *cli.Context) (*session, error) {
	logger := flags.SetupLogger(cCtx)
	cfg, err := config.Load(cCtx.String(configFlag.Name))
	if err != nil {
		return nil, err
	}

	pools := cachelib.NewDefaultRegistry(cachelib.MinPoolSize)
	if len(cfg.Caches.Pools) > 0 {
		if pools, err = cachelib.NewRegistry(cfg.Caches.Pools); err != nil {
			return nil, err
		}
	}

	s := &session{cfg: cfg, log: logger}
	factory := &blobrepo.Factory{
		Log:     logger,
		Pools:   pools,
		Drivers: storage.NewFactory(logger),
	}
	if r := cfg.Caches.Redis; r != nil {
		s.shared = cacheblob.NewRedisCache(cacheblob.RedisOptions{Address: r.Address, Password: r.Password, DB: r.DB})
		factory.SharedCache = s.shared
	}

	s.repo, err = factory.OpenBlobRepo(cCtx.Context, cfg.Storage, cfg.RepoID, blobrepo.Options{
		RoutingPort:       cfg.RoutingPort,
		BookmarksCacheTTL: cfg.BookmarksCacheTTL,
	})
	if err != nil {
		if s.shared != nil {
			s.shared.Close()
		}
		return nil, err
	}
	return s, nil
}

func withSession(fn func(cCtx *cli.Context, s *session) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		s, err := openSession(cCtx)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				s.log.Error("Failed to close repository", "err", err)
			}
		}()
		return fn(cCtx, s)
	}
}

func keyArg(cCtx *cli.Context) (string, error) {
	key := cCtx.Args().First()
	if key == "" {
		return "", errors.New("missing key argument")
	}
	return key, nil
}

func getAction(cCtx *cli.Context, s *session) error {
	key, err := keyArg(cCtx)
	if err != nil {
		return err
	}
	value, err := s.repo.Blobstore.Get(cCtx.Context, key)
	if err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("%w: %q", errNotFound, key)
	}
	_, err = cCtx.App.Writer.Write(value)
	return err
}

func putAction(cCtx *cli.Context, s *session) error {
	key, err := keyArg(cCtx)
	if err != nil {
		return err
	}

	var value []byte
	switch file := cCtx.String("file"); {
	case file == "-":
		value, err = io.ReadAll(os.Stdin)
	case file != "":
		value, err = os.ReadFile(file)
	case cCtx.NArg() >= 2:
		value = []byte(cCtx.Args().Get(1))
	default:
		return errors.New("missing value: pass it as the second argument or with --file")
	}
	if err != nil {
		return err
	}

	if err := s.repo.Blobstore.Put(cCtx.Context, key, value); err != nil {
		return err
	}
	s.log.Info("Stored blob", slog.String("key", key), slog.Int("size", len(value)))
	return nil
}

func isPresentAction(cCtx *cli.Context, s *session) error {
	key, err := keyArg(cCtx)
	if err != nil {
		return err
	}
	present, err := s.repo.Blobstore.IsPresent(cCtx.Context, key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cCtx.App.Writer, present)
	return err
}

func bookmarksAction(cCtx *cli.Context, s *session) error {
	bookmarks, err := s.repo.Bookmarks.List(cCtx.Context, s.repo.RepoID, cCtx.Args().First())
	if err != nil {
		return err
	}
	names := make([]string, 0, len(bookmarks))
	for name := range bookmarks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(cCtx.App.Writer, "%s %s\n", name, bookmarks[name]); err != nil {
			return err
		}
	}
	return nil
}

// QueueStats is the output of queue-stats.
type QueueStats struct {
	RepoID    interfaces.RepositoryID     `json:"repo_id"`
	Total     int                         `json:"total"`
	PerMember map[interfaces.MemberID]int `json:"per_member"`
}

func queueStatsAction(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg, err := config.Load(cCtx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if _, ok := cfg.Storage.Blobstore.(config.Multiplexed); !ok {
		return interfaces.ConfigErrorf("repository %s is not multiplexed and has no sync queue", cfg.RepoID)
	}

	queue, err := storage.OpenSyncQueue(cCtx.Context, cfg.Storage.DBConfig, cfg.RoutingPort, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	total, err := queue.Len(cCtx.Context, cfg.RepoID)
	if err != nil {
		return err
	}
	perMember, err := queue.CountByMember(cCtx.Context, cfg.RepoID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(QueueStats{RepoID: cfg.RepoID, Total: total, PerMember: perMember})
}

func main() {
	app := &cli.App{
		Name:  "blobctl",
		Usage: "Read and write the blobstore of a configured repository",
		Flags: append([]cli.Flag{configFlag, flags.LogServiceFlagFn("blobctl")}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "write the value of a key to stdout",
				ArgsUsage: "<key>",
				Action:    withSession(getAction),
			},
			{
				Name:      "put",
				Usage:     "store a value under a key",
				ArgsUsage: "<key> [value]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "read the value from a file, - for stdin"},
				},
				Action: withSession(putAction),
			},
			{
				Name:      "is-present",
				Usage:     "report whether a key is stored",
				ArgsUsage: "<key>",
				Action:    withSession(isPresentAction),
			},
			{
				Name:      "bookmarks",
				Usage:     "list bookmarks, optionally those starting with a prefix",
				ArgsUsage: "[prefix]",
				Action:    withSession(bookmarksAction),
			},
			{
				Name:   "queue-stats",
				Usage:  "count pending sync queue entries per member",
				Action: queueStatsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
