package domain

import "time"

// Market representa un mercado de predicción binario en Polymarket.
// El descubrimiento de mercados es externo: el core recibe los Market ya
// filtrados y solo usa su metadata (tokens, tick, fee).
type Market struct {
	ConditionID  string
	Question     string
	EndDate      time.Time
	MakerBaseFee float64 // fee real del mercado (0 = usar default de config)
	TickSize     float64 // granularidad de precio (0.01 o 0.001)
	Tokens       [2]Token
	Active       bool
	Closed       bool
}

// Token es uno de los dos lados del mercado (YES/NO).
type Token struct {
	TokenID string
	Outcome string // "Yes" | "No"
}

// HoursToResolution devuelve las horas hasta que el mercado se resuelve.
// Devuelve 0 si EndDate no está definido.
func (m Market) HoursToResolution() float64 {
	if m.EndDate.IsZero() {
		return 0
	}
	h := time.Until(m.EndDate).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// EffectiveFeeRate devuelve el fee rate a usar: el del mercado si existe,
// o el defaultFeeRate si el mercado devuelve 0.
func (m Market) EffectiveFeeRate(defaultFeeRate float64) float64 {
	if m.MakerBaseFee > 0 {
		return m.MakerBaseFee
	}
	return defaultFeeRate
}

// EffectiveTick devuelve la granularidad de precio, con fallback a 0.01.
func (m Market) EffectiveTick() float64 {
	if m.TickSize > 0 {
		return m.TickSize
	}
	return 0.01
}

// YesToken devuelve el token YES del mercado.
func (m Market) YesToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "Yes" {
			return t
		}
	}
	return m.Tokens[0]
}

// NoToken devuelve el token NO del mercado.
func (m Market) NoToken() Token {
	for _, t := range m.Tokens {
		if t.Outcome == "No" {
			return t
		}
	}
	return m.Tokens[1]
}
