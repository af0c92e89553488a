package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/validation"
	"gopkg.in/yaml.v3"
)

// MaxManifestAdmins mirrors the protocol registry's admin cap.
const MaxManifestAdmins = 5

// Manifest is the deployment file that seeds protocol state at startup.
//
//	authority: 7xKX...
//	admins: [9aBc..., 4dEf...]
//	treasury: 3gHi...
//	feeRatePercent: 2
//	tokens:
//	  - mint: EPjF...
//	    decimals: 6
type Manifest struct {
	Authority      string          `yaml:"authority"`
	Admins         []string        `yaml:"admins"`
	Treasury       string          `yaml:"treasury"`
	FeeRatePercent *uint64         `yaml:"feeRatePercent"`
	Tokens         []TokenManifest `yaml:"tokens"`
}

// TokenManifest registers a mint's display precision.
type TokenManifest struct {
	Mint     string `yaml:"mint"`
	Decimals int32  `yaml:"decimals"`
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, errors.New("manifest path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = file.Close() }()

	var m Manifest
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.normalize()
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) normalize() {
	m.Authority = strings.TrimSpace(m.Authority)
	m.Treasury = strings.TrimSpace(m.Treasury)
	for i := range m.Admins {
		m.Admins[i] = strings.TrimSpace(m.Admins[i])
	}
	for i := range m.Tokens {
		m.Tokens[i].Mint = strings.TrimSpace(m.Tokens[i].Mint)
	}
}

func (m *Manifest) validate() error {
	if m.Authority != "" {
		if _, err := validation.ParsePublicKey(m.Authority); err != nil {
			return fmt.Errorf("manifest authority: %w", err)
		}
	}
	if len(m.Admins) > 0 && m.Authority == "" {
		return errors.New("manifest admins require an authority")
	}
	if len(m.Admins) > MaxManifestAdmins {
		return fmt.Errorf("manifest lists %d admins, at most %d allowed", len(m.Admins), MaxManifestAdmins)
	}
	if _, err := m.AdminKeys(); err != nil {
		return err
	}
	if m.Treasury != "" {
		if _, err := validation.ParsePublicKey(m.Treasury); err != nil {
			return fmt.Errorf("manifest treasury: %w", err)
		}
	}
	for _, t := range m.Tokens {
		if _, err := validation.ParsePublicKey(t.Mint); err != nil {
			return fmt.Errorf("manifest token %q: %w", t.Mint, err)
		}
		if t.Decimals < 0 || t.Decimals > 18 {
			return fmt.Errorf("manifest token %s: decimals must be 0..18", t.Mint)
		}
	}
	return nil
}

// AuthorityKey returns the parsed authority, if one is set.
func (m *Manifest) AuthorityKey() (solana.PublicKey, bool) {
	if m.Authority == "" {
		return solana.PublicKey{}, false
	}
	pk, err := validation.ParsePublicKey(m.Authority)
	return pk, err == nil
}

// AdminKeys parses the admin list, rejecting duplicates.
func (m *Manifest) AdminKeys() ([]solana.PublicKey, error) {
	keys := make([]solana.PublicKey, 0, len(m.Admins))
	seen := make(map[solana.PublicKey]bool, len(m.Admins))
	for _, s := range m.Admins {
		pk, err := validation.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("manifest admin %q: %w", s, err)
		}
		if seen[pk] {
			return nil, fmt.Errorf("manifest admin %s listed twice", s)
		}
		seen[pk] = true
		keys = append(keys, pk)
	}
	return keys, nil
}

// Apply overlays the manifest's treasury and fee rate onto c. Environment
// values win when both are set.
func (m *Manifest) Apply(c *Config) error {
	if c.Treasury == "" {
		c.Treasury = m.Treasury
	}
	if m.FeeRatePercent != nil && os.Getenv("FEE_RATE_PERCENT") == "" {
		c.FeeRatePercent = *m.FeeRatePercent
	}
	if c.Treasury == "" {
		return errors.New("treasury not set in environment or manifest")
	}
	return c.Validate()
}
