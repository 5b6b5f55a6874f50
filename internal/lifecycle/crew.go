package lifecycle

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/minionerr"
)

// CrewMember is one agent declared in a crew config.
type CrewMember struct {
	Name  string `yaml:"name" json:"name"`
	Class string `yaml:"class" json:"class"`
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
}

// CrewConfig is the YAML crew declaration: a named party of agents spawned
// together.
type CrewConfig struct {
	Name    string       `yaml:"name" json:"name"`
	Members []CrewMember `yaml:"members" json:"members"`
}

// Crew is a crew record with its members' registration state.
type Crew struct {
	Name       string  `db:"name" json:"name"`
	ConfigFile string  `db:"config_file" json:"config_file,omitempty"`
	StartedAt  string  `db:"started_at" json:"started_at"`
	StoppedAt  *string `db:"stopped_at" json:"stopped_at,omitempty"`
}

// LoadCrewConfig parses a crew declaration file.
func LoadCrewConfig(path string) (*CrewConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read crew config: %w", err)
	}
	var cfg CrewConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse crew config: %w", err)
	}
	if cfg.Name == "" {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "invalid_crew",
			Observed: "crew config missing name"}
	}
	if len(cfg.Members) == 0 {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "invalid_crew",
			Observed: "crew config has no members"}
	}
	return &cfg, nil
}

// Recruit registers one agent as a daemon-transport member. The daemon
// process itself is started by the operator; recruit prepares the roster
// entry so messages and tasks can target the agent immediately.
func (s *Service) Recruit(ctx context.Context, name, class, model string) error {
	_, err := s.agents.Register(ctx, name, class, model, "daemon")
	return err
}

// SpawnParty registers every member of a crew concurrently and records the
// crew. Registration is idempotent, so re-spawning an existing crew
// refreshes its members.
func (s *Service) SpawnParty(ctx context.Context, cfg *CrewConfig, configFile string) (*Crew, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range cfg.Members {
		member := m
		g.Go(func() error {
			if err := s.Recruit(gctx, member.Name, member.Class, member.Model); err != nil {
				return fmt.Errorf("member %s: %w", member.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	_, err := s.store.DB.Exec(`
		INSERT INTO crews (name, config_file, started_at, stopped_at)
		VALUES (?, ?, ?, NULL)
		ON CONFLICT(name) DO UPDATE SET config_file = excluded.config_file,
			started_at = excluded.started_at, stopped_at = NULL`,
		cfg.Name, configFile, db.NowISO())
	if err != nil {
		return nil, fmt.Errorf("failed to record crew: %w", err)
	}

	var crew Crew
	if err := s.store.RO.Get(&crew, "SELECT * FROM crews WHERE name = ?", cfg.Name); err != nil {
		return nil, fmt.Errorf("failed to read back crew: %w", err)
	}
	return &crew, nil
}

// StopCrew marks a crew stopped. Member daemons observe shutdown through
// retirement records or the stand_down flag; this only closes the roster
// entry.
func (s *Service) StopCrew(ctx context.Context, name string) error {
	res, err := s.store.DB.Exec(
		"UPDATE crews SET stopped_at = ? WHERE name = ? AND stopped_at IS NULL",
		db.NowISO(), name)
	if err != nil {
		return fmt.Errorf("failed to stop crew: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return minionerr.NotFound("crew", name)
	}
	return nil
}

// ListCrews returns all crew records, running first.
func (s *Service) ListCrews(ctx context.Context) ([]Crew, error) {
	var crews []Crew
	err := s.store.RO.Select(&crews,
		"SELECT * FROM crews ORDER BY stopped_at IS NOT NULL, started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list crews: %w", err)
	}
	return crews, nil
}
