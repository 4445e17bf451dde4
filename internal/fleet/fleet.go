package fleet

import (
	"fmt"

	"github.com/spf13/viper"
)

// Node describes one upstream VPN server: where its 3x-ui panel lives,
// which inbound we provision into, and the Reality parameters client
// links are built from. Nodes are read from configuration once at
// startup and never mutated afterwards.
type Node struct {
	Name        string   `mapstructure:"name"`
	Country     string   `mapstructure:"country"`
	PanelURL    string   `mapstructure:"panel_url"`
	InboundID   int      `mapstructure:"inbound_id"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	Address     string   `mapstructure:"address"`
	Port        int      `mapstructure:"port"`
	PublicKey   string   `mapstructure:"public_key"`
	ShortID     string   `mapstructure:"short_id"`
	Fingerprint string   `mapstructure:"fingerprint"`
	SNI         []string `mapstructure:"sni"`
}

// Registry is the static, loaded-once view of the fleet with
// country-scoped lookup.
type Registry struct {
	nodes     []Node
	byCountry map[string][]Node
	byName    map[string]Node
}

func NewRegistry(nodes []Node) *Registry {
	r := &Registry{
		nodes:     nodes,
		byCountry: make(map[string][]Node),
		byName:    make(map[string]Node),
	}
	for _, n := range nodes {
		r.byCountry[n.Country] = append(r.byCountry[n.Country], n)
		r.byName[n.Name] = n
	}
	return r
}

// Load reads the fleet descriptor file (YAML, `nodes:` list) and
// validates the fields every downstream consumer depends on.
func Load(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read fleet config: %w", err)
	}

	var raw struct {
		Nodes []Node `mapstructure:"nodes"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse fleet config: %w", err)
	}
	if len(raw.Nodes) == 0 {
		return nil, fmt.Errorf("fleet config %s contains no nodes", path)
	}

	for _, n := range raw.Nodes {
		if n.Name == "" || n.Country == "" || n.PanelURL == "" {
			return nil, fmt.Errorf("fleet node %q: name, country and panel_url are required", n.Name)
		}
		if n.Address == "" || n.Port == 0 {
			return nil, fmt.Errorf("fleet node %q: address and port are required", n.Name)
		}
		if len(n.SNI) == 0 {
			return nil, fmt.Errorf("fleet node %q: at least one sni candidate is required", n.Name)
		}
	}

	return NewRegistry(raw.Nodes), nil
}

// ByCountry returns the nodes serving the given country, in config order.
func (r *Registry) ByCountry(country string) []Node {
	return r.byCountry[country]
}

// Find looks a node up by its unique name.
func (r *Registry) Find(name string) (Node, bool) {
	n, ok := r.byName[name]
	return n, ok
}

func (r *Registry) Countries() []string {
	out := make([]string, 0, len(r.byCountry))
	for c := range r.byCountry {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.nodes)
}
