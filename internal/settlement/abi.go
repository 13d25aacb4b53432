package settlement

// Fixed ABI surfaces of the external collaborators. The market contract owns
// pricing; this client never computes a price itself.

const tokenABIJSON = `[
	{
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "owner", "type": "address"}
		],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const marketABIJSON = `[
	{
		"inputs": [
			{"name": "generated", "type": "uint256"},
			{"name": "consumed", "type": "uint256"}
		],
		"name": "reportEnergy",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "buyer", "type": "address"},
			{"name": "kwhRequested", "type": "uint256"}
		],
		"name": "payEnergy",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "resetEnergy",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "house", "type": "address"},
			{"name": "pricePerKwh", "type": "uint256"}
		],
		"name": "setPrice",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "house", "type": "address"}
		],
		"name": "getPrice",
		"outputs": [{"name": "pricePerKwh", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "", "type": "address"}
		],
		"name": "households",
		"outputs": [
			{"name": "generated", "type": "uint256"},
			{"name": "consumed", "type": "uint256"},
			{"name": "pricePerKwh", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "householdList",
		"outputs": [{"name": "", "type": "address[]"}],
		"stateMutability": "view",
		"type": "function"
	}
]`
