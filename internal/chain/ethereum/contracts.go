package ethereum

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 以太坊主网地址。
var (
	DefaultFactoryAddress = common.HexToAddress("0x7e384AD1FE06747594a6102EE5b377b273DC1225")
	XRTAddress            = common.HexToAddress("0x7de91b204c1c737bcee6f000aaa6569cf7061cb7")
	WETHAddress           = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	UniswapV2Router       = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	ChainlinkETHUSD       = common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")
)

const factoryABIJSON = `[
  {"constant":true,"inputs":[{"name":"_gas","type":"uint256"}],"name":"wnFromGas","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"_account","type":"address"}],"name":"nonceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"gasPrice","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"totalGasConsumed","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"xrt","outputs":[{"name":"","type":"address"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"_lighthouse","type":"address"}],"name":"isLighthouse","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"liability","type":"address"}],"name":"NewLiability","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"lighthouse","type":"address"},{"indexed":false,"name":"name","type":"string"}],"name":"NewLighthouse","type":"event"}
]`

const lighthouseABIJSON = `[
  {"constant":false,"inputs":[{"name":"_demand","type":"bytes"},{"name":"_offer","type":"bytes"}],"name":"createLiability","outputs":[{"name":"","type":"address"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"_liability","type":"address"},{"name":"_result","type":"bytes"},{"name":"_success","type":"bool"},{"name":"_signature","type":"bytes"}],"name":"finalizeLiability","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"_value","type":"uint256"}],"name":"refill","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"_value","type":"uint256"}],"name":"withdraw","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"marker","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"quota","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"keepAliveBlock","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"timeoutInBlocks","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"minimalStake","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"_member","type":"address"}],"name":"stakes","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"_member","type":"address"}],"name":"indexOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var (
	factoryABI    = mustParseABI(factoryABIJSON)
	lighthouseABI = mustParseABI(lighthouseABIJSON)
	erc20ABI      = mustParseABI(erc20ABIJSON)

	// transferTopic 是 ERC20 Transfer 事件的 topic0，用于从回执解析铸造量。
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// newLiabilityTopic 用于从建约回执解析责任合约地址。
	newLiabilityTopic = crypto.Keccak256Hash([]byte("NewLiability(address)"))
)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}
