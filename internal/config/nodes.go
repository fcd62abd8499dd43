package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeList models the structure of configs/nodes.yaml.
type NodeList struct {
	Endpoints []string `yaml:"endpoints"`
	Websocket string   `yaml:"websocket"`
}

// DefaultEndpoints is the ordered list of public RPC proxies used when no
// node list is configured.
func DefaultEndpoints() []string {
	return []string{
		"https://rainstorm.city/api",
		"https://node.somenano.com/proxy",
		"https://nanoslo.0x.no/proxy",
		"https://uk1.public.xnopay.com/proxy",
	}
}

// LoadNodes parses the YAML file containing the redundant node list. Order
// is preserved because it is the broadcast priority.
func LoadNodes(path string) (NodeList, error) {
	if strings.TrimSpace(path) == "" {
		return NodeList{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return NodeList{}, fmt.Errorf("读取节点配置失败: %w", err)
	}

	var nodes NodeList
	if err := yaml.Unmarshal(content, &nodes); err != nil {
		return NodeList{}, fmt.Errorf("解析节点配置失败: %w", err)
	}
	cleaned := nodes.Endpoints[:0]
	for _, ep := range nodes.Endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			cleaned = append(cleaned, ep)
		}
	}
	nodes.Endpoints = cleaned
	return nodes, nil
}
