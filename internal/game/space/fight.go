package space

import "github.com/holiman/uint256"

const factorScale = 1_000_000

// Fight reproduces the contract's combat resolution. Every chain multiplies before it
// divides, in the contract's order; reordering changes results by one unit.
//
//	attackFactor  = n * ((1e6 - f) + f*n/d)
//	attackDamage  = attackFactor * attack / defense / 1e6
//	defenseFactor = d * ((1e6 - f) + f*d/n)
//	defenseDamage = defenseFactor * defense / attack / 1e6   (clamped to n-1)
func Fight(numAttack, numDefense uint32, attack, defense uint32, fleetSizeFactor6 uint64) (attackerLoss, defenderLoss uint32, captured bool) {
	if numAttack == 0 || numDefense == 0 || attack == 0 || defense == 0 {
		return 0, 0, numAttack > 0 && numDefense == 0
	}
	if fleetSizeFactor6 > factorScale {
		fleetSizeFactor6 = factorScale
	}
	n := uint256.NewInt(uint64(numAttack))
	d := uint256.NewInt(uint64(numDefense))
	f := uint256.NewInt(fleetSizeFactor6)
	base := uint256.NewInt(factorScale - fleetSizeFactor6)
	scale := uint256.NewInt(factorScale)
	atk := uint256.NewInt(uint64(attack))
	def := uint256.NewInt(uint64(defense))

	// attackFactor
	af := new(uint256.Int).Mul(f, n)
	af.Div(af, d)
	af.Add(af, base)
	af.Mul(af, n)
	// attackDamage
	ad := new(uint256.Int).Mul(af, atk)
	ad.Div(ad, def)
	ad.Div(ad, scale)

	if d.Gt(ad) {
		return numAttack, uint32(ad.Uint64()), false
	}

	df := new(uint256.Int).Mul(f, d)
	df.Div(df, n)
	df.Add(df, base)
	df.Mul(df, d)
	dd := new(uint256.Int).Mul(df, def)
	dd.Div(dd, atk)
	dd.Div(dd, scale)
	if !dd.Lt(n) {
		// at least one spaceship survives a successful attack
		return numAttack - 1, numDefense, true
	}
	return uint32(dd.Uint64()), numDefense, true
}
