package chain

// TokenABI is the subset of the TK ERC-20 surface the ledger uses.
const TokenABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// PredictionABI is the prediction market contract surface.
const PredictionABI = `[
  {"type":"function","name":"createMarket","stateMutability":"nonpayable",
   "inputs":[{"name":"title","type":"string"},{"name":"description","type":"string"},{"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"resolveMarket","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"uint256"},{"name":"outcome","type":"bool"}],
   "outputs":[]},
  {"type":"function","name":"cancelMarket","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"placeBet","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"uint256"},{"name":"isYes","type":"bool"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"claimWinnings","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"getMarket","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"id","type":"uint256"},
     {"name":"title","type":"string"},
     {"name":"description","type":"string"},
     {"name":"deadline","type":"uint256"},
     {"name":"totalYesAmount","type":"uint256"},
     {"name":"totalNoAmount","type":"uint256"},
     {"name":"status","type":"uint8"},
     {"name":"resolvedAt","type":"uint256"}]}]},
  {"type":"event","name":"MarketCreated","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true},{"name":"title","type":"string","indexed":false},{"name":"deadline","type":"uint256","indexed":false}]},
  {"type":"event","name":"BetPlaced","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true},{"name":"user","type":"address","indexed":true},{"name":"isYes","type":"bool","indexed":false},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"MarketResolved","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true},{"name":"outcome","type":"bool","indexed":false}]},
  {"type":"event","name":"WinningsClaimed","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true},{"name":"user","type":"address","indexed":true},{"name":"payout","type":"uint256","indexed":false}]},
  {"type":"event","name":"MarketCancelled","anonymous":false,
   "inputs":[{"name":"marketId","type":"uint256","indexed":true}]}
]`
