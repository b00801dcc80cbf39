package polymarket

import "encoding/json"

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- CLOB REST ---

// clobMarket es la respuesta de GET /markets/{condition_id}.
type clobMarket struct {
	ConditionID     string      `json:"condition_id"`
	Question        string      `json:"question"`
	EndDateISO      string      `json:"end_date_iso"`
	MakerBaseFee    json.Number `json:"maker_base_fee"`
	MinimumTickSize json.Number `json:"minimum_tick_size"`
	Tokens          []clobToken `json:"tokens"`
	Active          bool        `json:"active"`
	Closed          bool        `json:"closed"`
}

// clobToken representa un token (YES/NO) en el CLOB.
type clobToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// orderBookRequest es el body del POST /books batch.
type orderBookRequest struct {
	TokenID string `json:"token_id"`
}

// orderBookResponse es la respuesta de un item en POST /books.
type orderBookResponse struct {
	AssetID string         `json:"asset_id"`
	Bids    []bookEntryRaw `json:"bids"`
	Asks    []bookEntryRaw `json:"asks"`
}

// bookEntryRaw es un nivel de precio raw de la API (strings para mayor precisión).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// clobOrderRequest es el body de POST /order. El payload firmado lo construye
// el RequestSigner; aquí solo lo envolvemos con owner y orderType.
type clobOrderRequest struct {
	Order     any    `json:"order"`
	Owner     string `json:"owner"`
	OrderType string `json:"orderType"`
}

type clobOrderResponse struct {
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
	Success  bool   `json:"success"`
}

// clobOpenOrder es la respuesta de GET /data/order/{id}.
type clobOpenOrder struct {
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	Status       string `json:"status"`
}

type clobCancelRequest struct {
	OrderID string `json:"orderID"`
}

type clobBalanceResponse struct {
	Balance string `json:"balance"`
}

// --- WebSocket ---

// wsSubscribeMsg es el mensaje de suscripción para ambos canales.
// AssetsIDs se usa en el market channel, Auth+Markets en el user channel.
type wsSubscribeMsg struct {
	Type      string      `json:"type"`
	AssetsIDs []string    `json:"assets_ids,omitempty"`
	Auth      *wsAuthBody `json:"auth,omitempty"`
	Markets   []string    `json:"markets,omitempty"`
}

type wsAuthBody struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// wsEnvelope identifica el tipo de evento antes de decodificar el payload.
type wsEnvelope struct {
	EventType string `json:"event_type"`
}

// wsBookMsg es un snapshot completo del book en el market channel.
type wsBookMsg struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Bids      []bookEntryRaw `json:"bids"`
	Asks      []bookEntryRaw `json:"asks"`
	Timestamp string         `json:"timestamp"`
}

// wsPriceChangeMsg es un delta incremental de niveles de precio.
type wsPriceChangeMsg struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Changes   []wsLevelChange `json:"changes"`
	Timestamp string          `json:"timestamp"`
}

type wsLevelChange struct {
	Price string `json:"price"`
	Side  string `json:"side"` // "BUY" | "SELL"
	Size  string `json:"size"` // 0 elimina el nivel
}

// wsTradeMsg es un fill propio en el user channel.
type wsTradeMsg struct {
	EventType    string `json:"event_type"`
	ID           string `json:"id"`
	AssetID      string `json:"asset_id"`
	TakerOrderID string `json:"taker_order_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Status       string `json:"status"`
}
