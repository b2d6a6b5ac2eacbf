package devserver

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/tonimelisma/statesync/internal/operation"
)

// SeedFile is the TOML layout accepted by LoadSeed:
//
//	[[users]]
//	entity = "user"
//	account = "alice"
//	password = "secret"
//	[users.document]
//	id = "alice"
//
//	[[entities]]
//	entity = "note"
//	[entities.document]
//	id = "1"
//	title = "hello"
type SeedFile struct {
	Users    []SeedUser   `toml:"users"`
	Entities []SeedEntity `toml:"entities"`
}

// SeedUser is one login account and its user entity.
type SeedUser struct {
	Entity   string         `toml:"entity"`
	Account  string         `toml:"account"`
	Password string         `toml:"password"`
	Document map[string]any `toml:"document"`
}

// SeedEntity is one initial entity.
type SeedEntity struct {
	Entity   string         `toml:"entity"`
	Document map[string]any `toml:"document"`
}

// LoadSeed reads a seed file and stores its users and entities.
func (s *Server) LoadSeed(path string) error {
	var seed SeedFile

	md, err := toml.DecodeFile(path, &seed)
	if err != nil {
		return fmt.Errorf("devserver: parsing seed file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("devserver: seed file %s: unknown key %q", path, undecoded[0].String())
	}

	return s.ApplySeed(&seed)
}

// ApplySeed stores the users and entities of seed.
func (s *Server) ApplySeed(seed *SeedFile) error {
	for _, u := range seed.Users {
		// TOML integers decode as int64; Clone normalizes them to float64.
		doc := operation.Entity(u.Document).Clone()
		if err := s.AddUser(u.Entity, u.Account, u.Password, doc); err != nil {
			return err
		}
	}

	for _, e := range seed.Entities {
		if _, err := s.Seed(e.Entity, operation.Entity(e.Document).Clone()); err != nil {
			return err
		}
	}

	return nil
}
