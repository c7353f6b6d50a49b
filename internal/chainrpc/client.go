// Package chainrpc talks to a Bitcoin Core node: it imports the descriptors
// a keychain index tracks, scans the UTXO set for matches, and turns the
// matches into coin-selection candidates.
package chainrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/rawblock/walletcore/pkg/coinselect"
)

// Client wraps a Bitcoin Core JSON-RPC connection plus a watch-only wallet
// used to hold imported descriptors.
type Client struct {
	RPC       *rpcclient.Client
	WalletRPC *rpcclient.Client
	Config    Config
}

type Config struct {
	Host string
	User string
	Pass string
}

const watchOnlyWalletName = "walletcore_watch_only"

func NewClient(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	log.Printf("connecting to Bitcoin RPC at %s...", cfg.Host)
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	log.Printf("connected to Bitcoin node, current height %d", blockCount)

	c := &Client{RPC: client, Config: cfg}

	if err := c.initializeWallet(); err != nil {
		log.Printf("warning: failed to initialize watch-only wallet: %v; descriptor import will fail", err)
	}

	return c, nil
}

func (c *Client) Shutdown() {
	c.RPC.Shutdown()
	if c.WalletRPC != nil {
		c.WalletRPC.Shutdown()
	}
}

func (c *Client) GetBlockCount() (int64, error) {
	return c.RPC.GetBlockCount()
}

func (c *Client) rawRequest(method string, params []interface{}) (json.RawMessage, error) {
	rawParams := make([]json.RawMessage, len(params))
	for i, v := range params {
		marshaled, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		rawParams[i] = marshaled
	}
	return c.RPC.RawRequest(method, rawParams)
}

func (c *Client) listWallets() ([]string, error) {
	resp, err := c.rawRequest("listwallets", nil)
	if err != nil {
		return nil, err
	}
	var wallets []string
	if err := json.Unmarshal(resp, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

func (c *Client) createWatchOnlyWallet() error {
	// Args: name, disable_private_keys, blank, passphrase, avoid_reuse,
	// descriptors, load_on_startup. A descriptor wallet is required:
	// importdescriptors is not supported on legacy wallets.
	_, err := c.rawRequest("createwallet", []interface{}{
		watchOnlyWalletName, true, true, "", false, true, true,
	})
	return err
}

// initializeWallet ensures a descriptor-capable watch-only wallet exists and
// loaded, so descriptor imports and scans below always have somewhere to go.
func (c *Client) initializeWallet() error {
	wallets, err := c.listWallets()
	if err != nil {
		return err
	}
	for _, w := range wallets {
		if w == watchOnlyWalletName {
			return c.connectWalletRPC()
		}
	}

	if _, err := c.RPC.LoadWallet(watchOnlyWalletName); err != nil {
		if err := c.createWatchOnlyWallet(); err != nil {
			return err
		}
	}
	return c.connectWalletRPC()
}

func (c *Client) connectWalletRPC() error {
	walletConnCfg := &rpcclient.ConnConfig{
		Host:         c.Config.Host + "/wallet/" + watchOnlyWalletName,
		User:         c.Config.User,
		Pass:         c.Config.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	walletClient, err := rpcclient.New(walletConnCfg, nil)
	if err != nil {
		return err
	}
	c.WalletRPC = walletClient
	return nil
}

// DescriptorRequest is one entry of the importdescriptors batch request.
type DescriptorRequest struct {
	Desc      string      `json:"desc"`
	Active    bool        `json:"active"`
	Timestamp interface{} `json:"timestamp"` // "now" or a unix time, 0 to rescan from genesis
	Range     [2]int      `json:"range,omitempty"`
	Label     string      `json:"label,omitempty"`
}

// ImportDescriptor registers a ranged output descriptor (as produced by
// keychain.HDDescriptor.DescriptorString) with the watch-only
// wallet so scantxoutset/listunspent can find its outputs. upTo bounds the
// range import to the keychain's last-revealed index plus lookahead.
func (c *Client) ImportDescriptor(desc string, upTo uint32, rescan bool) error {
	client := c.RPC
	if c.WalletRPC != nil {
		client = c.WalletRPC
	}

	info, err := c.getDescriptorInfo(client, desc)
	if err != nil {
		return err
	}

	req := DescriptorRequest{
		Desc:      info,
		Active:    false,
		Timestamp: "now",
		Range:     [2]int{0, int(upTo)},
	}
	if rescan {
		req.Timestamp = 0
	}

	reqBytes, err := json.Marshal([]DescriptorRequest{req})
	if err != nil {
		return err
	}
	_, err = client.RawRequest("importdescriptors", []json.RawMessage{reqBytes})
	return err
}

func (c *Client) getDescriptorInfo(client *rpcclient.Client, desc string) (string, error) {
	descParam, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	resp, err := client.RawRequest("getdescriptorinfo", []json.RawMessage{descParam})
	if err != nil {
		return "", err
	}
	var info struct {
		Descriptor string `json:"descriptor"`
	}
	if err := json.Unmarshal(resp, &info); err != nil {
		return "", err
	}
	return info.Descriptor, nil
}

// ScanResult mirrors Bitcoin Core's scantxoutset response.
type ScanResult struct {
	Success     bool          `json:"success"`
	TxOuts      int64         `json:"txouts"`
	Height      int64         `json:"height"`
	BestBlock   string        `json:"bestblock"`
	Unspents    []ScanUnspent `json:"unspents"`
	TotalAmount float64       `json:"total_amount"`
}

type ScanUnspent struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Amount       float64 `json:"amount"`
	Height       int64   `json:"height"`
	Desc         string  `json:"desc,omitempty"`
}

// ScanTxOutset runs scantxoutset over a set of descriptors, using a direct
// HTTP POST with a long timeout: the default rpcclient timeout (60s) is too
// short for this RPC and a timed-out retry triggers "-8: Scan already in
// progress" on the node.
func (c *Client) ScanTxOutset(action string, descriptors []string) (*ScanResult, error) {
	param1, _ := json.Marshal(action)
	params := []json.RawMessage{param1}

	if len(descriptors) > 0 {
		descObjects := make([]map[string]string, len(descriptors))
		for i, d := range descriptors {
			descObjects[i] = map[string]string{"desc": d}
		}
		param2, _ := json.Marshal(descObjects)
		params = append(params, param2)
	}

	result, err := c.longRunningRequest("scantxoutset", params, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("scantxoutset: %w", err)
	}

	var res ScanResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("scantxoutset: unmarshal result: %w", err)
	}
	return &res, nil
}

func (c *Client) longRunningRequest(method string, params []json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	type jsonRPCRequest struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      int               `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params"`
	}
	reqBody, _ := json.Marshal(jsonRPCRequest{JSONRPC: "1.0", ID: 1, Method: method, Params: params})

	url := fmt.Sprintf("http://%s", c.Config.Host)
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.Config.User, c.Config.Pass)

	httpClient := &http.Client{Timeout: timeout}
	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// CandidatesFromScan turns a scantxoutset result into coin-selection
// candidates, assuming every matched output is spent by a single-key P2WPKH
// witness (the only script kind keychain.HDDescriptor produces today).
func CandidatesFromScan(result *ScanResult) []coinselect.WeightedValue {
	out := make([]coinselect.WeightedValue, 0, len(result.Unspents))
	for _, u := range result.Unspents {
		out = append(out, coinselect.WeightedValue{
			Value:      uint64(math.Round(u.Amount * 1e8)),
			Weight:     coinselect.TxinBaseWeight + coinselect.P2WPKHWitnessWeight,
			InputCount: 1,
			IsSegwit:   true,
		})
	}
	return out
}

func (c *Client) estimateSmartFeeByMode(confTarget int64, mode *btcjson.EstimateSmartFeeMode) (float64, error) {
	res, err := c.RPC.EstimateSmartFee(confTarget, mode)
	if err != nil {
		return 0, err
	}
	if res == nil || res.FeeRate == nil || !isFinitePositive(*res.FeeRate) {
		return 0, nil
	}
	return *res.FeeRate, nil
}

func (c *Client) getMempoolFeeFloorBTCPerKVb() (float64, error) {
	rawResp, err := c.rawRequest("getmempoolinfo", nil)
	if err != nil {
		return 0, err
	}
	var mempool struct {
		MempoolMinFee float64 `json:"mempoolminfee"`
		MinRelayTxFee float64 `json:"minrelaytxfee"`
	}
	if err := json.Unmarshal(rawResp, &mempool); err != nil {
		return 0, err
	}
	floor := mempool.MempoolMinFee
	if mempool.MinRelayTxFee > floor {
		floor = mempool.MinRelayTxFee
	}
	if !isFinitePositive(floor) {
		return 0, nil
	}
	return floor, nil
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func btcPerKVbToSatPerWU(v float64) float32 {
	// 1 BTC/kvB = 100_000 sat/vB = 25_000 sat/wu (4 weight units per vbyte).
	return float32(v * 25_000)
}

// EstimateTargetFeerate returns a target_feerate in sat/wu, with a
// CONSERVATIVE -> ECONOMICAL -> mempool-floor fallback chain, falling back
// further to coinselect.DefaultTargetFeerate if the node has no estimate at
// all (a freshly-started regtest node, for instance).
func (c *Client) EstimateTargetFeerate(confTarget int64) (float32, error) {
	conservative := btcjson.EstimateModeConservative
	if fee, err := c.estimateSmartFeeByMode(confTarget, &conservative); err == nil && fee > 0 {
		return btcPerKVbToSatPerWU(fee), nil
	}

	economical := btcjson.EstimateModeEconomical
	if fee, err := c.estimateSmartFeeByMode(confTarget, &economical); err == nil && fee > 0 {
		return btcPerKVbToSatPerWU(fee), nil
	}

	floor, err := c.getMempoolFeeFloorBTCPerKVb()
	if err != nil {
		return 0, err
	}
	if floor <= 0 {
		return coinselect.DefaultTargetFeerate, nil
	}
	return btcPerKVbToSatPerWU(floor), nil
}
