package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"TaskMarket-Chain/internal/config"
	"TaskMarket-Chain/internal/web3"
	"TaskMarket-Chain/internal/web3/ethereum"
)

// Dialer 根据链定义建立客户端，测试中可以替换。
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// Option 定义可选配置。
type Option func(*options)

type options struct {
	dial Dialer
}

// WithDialer 替换默认的 EVM 拨号逻辑。
func WithDialer(dial Dialer) Option {
	return func(o *options) {
		if dial != nil {
			o.dial = dial
		}
	}
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	definitions  map[string]web3.ChainDefinition
}

// NewRegistry loads chain definitions and instantiates concrete clients.
// chain.rpc_url 等内联字段只在定义文件为空时作为 "default" 链使用，
// chain.contract_address 与 chain.from_block 会覆盖默认链的定义。
func NewRegistry(ctx context.Context, cfg config.ChainConfig, opts ...Option) (*Registry, error) {
	o := options{dial: dialEVM}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{
			Type:   "evm",
			RPCURL: cfg.RPCURL,
			WSURL:  cfg.WSURL,
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = names[0]
	}
	if _, ok := defs.Chains[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	def := defs.Chains[defaultChain]
	if cfg.ContractAddress != "" {
		def.ContractAddress = cfg.ContractAddress
	}
	if cfg.FromBlock > 0 {
		def.FromBlock = cfg.FromBlock
	}
	defs.Chains[defaultChain] = def

	r := &Registry{
		defaultChain: defaultChain,
		clients:      make(map[string]web3.Client, len(names)),
		definitions:  defs.Chains,
	}
	for _, name := range names {
		client, err := o.dial(ctx, name, defs.Chains[name])
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
	}
	return r, nil
}

func dialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType == "" {
		chainType = "evm"
	}
	if chainType != "evm" {
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:   name,
		RPCURL: def.RPCURL,
		WSURL:  def.WSURL,
		Notes:  def.Description,
	})
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultChain 返回默认链名称。
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Definition 返回链定义，包括合约地址和起始区块。
func (r *Registry) Definition(name string) (web3.ChainDefinition, bool) {
	if r == nil {
		return web3.ChainDefinition{}, false
	}
	def, ok := r.definitions[name]
	return def, ok
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
