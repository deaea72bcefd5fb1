package ethledger

// contractABI covers the game contract methods the engine calls.
const contractABI = `[
  {"type":"function","name":"getConfig","stateMutability":"view","inputs":[],
   "outputs":[{"name":"config","type":"tuple","components":[
     {"name":"genesis","type":"bytes32"},
     {"name":"genesisTime","type":"uint256"},
     {"name":"resolveWindow","type":"uint256"},
     {"name":"timePerDistance","type":"uint256"},
     {"name":"exitDuration","type":"uint256"},
     {"name":"acquireNumSpaceships","type":"uint32"},
     {"name":"productionSpeedUp","type":"uint32"},
     {"name":"frontrunningDelay","type":"uint256"},
     {"name":"productionCapAsDuration","type":"uint256"},
     {"name":"upkeepProductionDecreaseRatePer10000th","type":"uint256"},
     {"name":"fleetSizeFactor6","type":"uint256"},
     {"name":"giftTaxPer10000","type":"uint256"}]}]},
  {"type":"function","name":"getPlanetStates","stateMutability":"view",
   "inputs":[{"name":"locations","type":"uint256[]"}],
   "outputs":[{"name":"states","type":"tuple[]","components":[
     {"name":"owner","type":"address"},
     {"name":"ownershipStartTime","type":"uint40"},
     {"name":"exitStartTime","type":"uint40"},
     {"name":"numSpaceships","type":"uint32"},
     {"name":"lastUpdated","type":"uint40"},
     {"name":"active","type":"bool"},
     {"name":"reward","type":"uint256"}]}]},
  {"type":"function","name":"getFleet","stateMutability":"view",
   "inputs":[{"name":"fleetId","type":"uint256"},{"name":"from","type":"uint256"}],
   "outputs":[
     {"name":"owner","type":"address"},
     {"name":"launchTime","type":"uint40"},
     {"name":"quantity","type":"uint32"},
     {"name":"futureExtraProduction","type":"uint64"},
     {"name":"defender","type":"address"},
     {"name":"victory","type":"bool"}]},
  {"type":"function","name":"send","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"uint256"},{"name":"quantity","type":"uint256"},{"name":"toHash","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"resolveFleet","stateMutability":"nonpayable",
   "inputs":[{"name":"fleetId","type":"uint256"},{"name":"resolution","type":"tuple","components":[
     {"name":"from","type":"uint256"},
     {"name":"to","type":"uint256"},
     {"name":"distance","type":"uint256"},
     {"name":"arrivalTimeWanted","type":"uint256"},
     {"name":"gift","type":"bool"},
     {"name":"specific","type":"address"},
     {"name":"secret","type":"bytes32"},
     {"name":"fleetSender","type":"address"},
     {"name":"operator","type":"address"}]}],
   "outputs":[]},
  {"type":"function","name":"exitMultipleFor","stateMutability":"nonpayable",
   "inputs":[{"name":"owner","type":"address"},{"name":"locations","type":"uint256[]"}],
   "outputs":[]},
  {"type":"function","name":"fetchAndWithdrawFor","stateMutability":"nonpayable",
   "inputs":[{"name":"owner","type":"address"},{"name":"locations","type":"uint256[]"}],
   "outputs":[]}
]`
