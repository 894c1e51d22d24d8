package config

import (
	"fmt"
	"sort"
)

// Network describes a Solana cluster endpoint.
type Network struct {
	Name  string `yaml:"-" json:"name"`
	URL   string `yaml:"url" json:"url"`
	Label string `yaml:"label" json:"label"`
}

// Cluster names.
const (
	Localhost   = "localhost"
	Devnet      = "devnet"
	Testnet     = "testnet"
	MainnetBeta = "mainnet-beta"
)

// DefaultNetworks returns the built-in cluster table.
func DefaultNetworks() map[string]Network {
	return map[string]Network{
		Localhost:   {Name: Localhost, URL: "http://localhost:8899", Label: "Localhost"},
		Devnet:      {Name: Devnet, URL: "https://api.devnet.solana.com", Label: "Devnet"},
		Testnet:     {Name: Testnet, URL: "https://api.testnet.solana.com", Label: "Testnet"},
		MainnetBeta: {Name: MainnetBeta, URL: "https://api.mainnet-beta.solana.com", Label: "Mainnet Beta"},
	}
}

// ResolveNetwork looks up a cluster by name. Unknown names yield an E105 error.
func (c *Config) ResolveNetwork(name string) (Network, error) {
	n, ok := c.Networks[name]
	if !ok {
		return Network{}, NewError(ErrInvalidNetwork, name)
	}
	n.Name = name
	return n, nil
}

// NetworkNames returns the configured cluster names in a stable order.
func (c *Config) NetworkNames() []string {
	order := map[string]int{Localhost: 0, Devnet: 1, Testnet: 2, MainnetBeta: 3}
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, iok := order[names[i]]
		oj, jok := order[names[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})
	return names
}

// ExplorerURL returns the Solana Explorer link for a transaction signature.
// Mainnet links carry no cluster parameter.
func ExplorerURL(signature, network string) string {
	const baseURL = "https://explorer.solana.com"
	if network == MainnetBeta {
		return fmt.Sprintf("%s/tx/%s", baseURL, signature)
	}
	return fmt.Sprintf("%s/tx/%s?cluster=%s", baseURL, signature, network)
}
