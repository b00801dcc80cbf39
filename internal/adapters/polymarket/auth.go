package polymarket

// auth.go — firma de órdenes y autenticación L1/L2 del CLOB.
//
// Implementa el RequestSigner que consume el Client:
//   L1: firma EIP-712 con la private key del wallet → derivar credenciales API
//   L2: HMAC-SHA256 sobre cada request autenticado
//
// Todo lo criptográfico vive aquí; el resto del adapter (y el core entero)
// solo ve las interfaces.

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/builder"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
)

const (
	polygonChainID = int64(137)

	// Dominio EIP-712 del CLOB para auth L1
	clobDomainName    = "ClobAuthDomain"
	clobDomainVersion = "1"
	// Mensaje firmado al derivar las API keys
	clobAuthMessage = "This message attests that I control the given wallet"

	// Taker address — zero address = orden pública
	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// apiCredentials son las credenciales L2 derivadas del wallet.
type apiCredentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Signer implementa RequestSigner con una private key de Polygon.
type Signer struct {
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	orderBuilder builder.ExchangeOrderBuilder
	creds        *apiCredentials
	negRisk      bool
}

// NewSigner crea un Signer desde la private key hex (sin prefijo 0x).
// negRisk selecciona el exchange contract para mercados neg-risk.
func NewSigner(privateKeyHex string, negRisk bool) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("polymarket.NewSigner: invalid private key: %w", err)
	}

	return &Signer{
		privateKey:   key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		orderBuilder: builder.NewExchangeOrderBuilderImpl(big.NewInt(polygonChainID), nil),
		negRisk:      negRisk,
	}, nil
}

// Address devuelve la dirección del wallet.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SetCredentials fija credenciales L2 ya conocidas, saltándose DeriveCreds.
func (s *Signer) SetCredentials(apiKey, secret, passphrase string) {
	s.creds = &apiCredentials{APIKey: apiKey, Secret: secret, Passphrase: passphrase}
}

// DeriveCreds deriva las credenciales API via auth L1. Llamar una vez al
// arrancar; las credenciales quedan cacheadas.
func (s *Signer) DeriveCreds(ctx context.Context, clobBase string) error {
	if s.creds != nil {
		return nil
	}
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := s.signClobAuth(ts, "0")
	if err != nil {
		return fmt.Errorf("polymarket.DeriveCreds: sign l1: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clobBase+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket.DeriveCreds: request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", s.address.Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", ts)
	req.Header.Set("POLY_NONCE", "0")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket.DeriveCreds: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket.DeriveCreds: status %d: %s", resp.StatusCode, body)
	}

	var creds apiCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return fmt.Errorf("polymarket.DeriveCreds: parse creds: %w", err)
	}
	s.creds = &creds
	return nil
}

// SignOrder construye el payload EIP-712 firmado para POST /order.
// price y size en unidades USDC (ej. 0.80 y 10.0).
// Usa aritmética entera para evitar errores de precisión float que el
// CLOB rechaza: la API verifica makerAmount == price * takerAmount exacto.
func (s *Signer) SignOrder(tokenID, side string, price, size float64, tif string) (any, error) {
	pricePrecision := detectPricePrecision(price)
	priceInt := int64(math.Round(price * float64(pricePrecision)))
	sharesCents := int64(math.Floor(size * 100))

	amountFactor := int64(1_000_000) / (100 * pricePrecision)
	usdcMicro := sharesCents * priceInt * amountFactor
	sharesMicro := sharesCents * 10000

	if usdcMicro <= 0 || sharesMicro <= 0 {
		return nil, fmt.Errorf("invalid amounts: usdc=%d shares=%d (price=%.4f size=%.4f)",
			usdcMicro, sharesMicro, price, size)
	}

	// BUY entrega USDC y recibe shares; SELL al revés
	makerAmount, takerAmount := usdcMicro, sharesMicro
	orderSide := gomodel.BUY
	if strings.ToUpper(side) == "SELL" {
		makerAmount, takerAmount = sharesMicro, usdcMicro
		orderSide = gomodel.SELL
	}

	verifyingContract := gomodel.CTFExchange
	if s.negRisk {
		verifyingContract = gomodel.NegRiskCTFExchange
	}

	orderData := &gomodel.OrderData{
		Maker:         s.address.Hex(),
		Taker:         zeroAddress,
		TokenId:       tokenID,
		MakerAmount:   strconv.FormatInt(makerAmount, 10),
		TakerAmount:   strconv.FormatInt(takerAmount, 10),
		FeeRateBps:    "0",
		Nonce:         "0",
		Signer:        s.address.Hex(),
		Expiration:    "0",
		Side:          orderSide,
		SignatureType: gomodel.EOA,
	}

	signed, err := s.orderBuilder.BuildSignedOrder(s.privateKey, orderData, verifyingContract)
	if err != nil {
		return nil, fmt.Errorf("build signed order: %w", err)
	}

	return signedOrderBody(signed, tokenID, side), nil
}

// AuthHeaders devuelve los headers L2 para un request autenticado.
func (s *Signer) AuthHeaders(method, path string, body []byte) (map[string]string, error) {
	if s.creds == nil {
		return nil, fmt.Errorf("polymarket: credentials not derived yet")
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	msg := ts + strings.ToUpper(method) + path + string(body)

	secretBytes, err := base64.URLEncoding.DecodeString(s.creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("polymarket: decode secret: %w", err)
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(msg))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    s.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    s.creds.APIKey,
		"POLY_PASSPHRASE": s.creds.Passphrase,
	}, nil
}

// WSCredentials devuelve las credenciales para el user channel del WS.
func (s *Signer) WSCredentials() (string, string, string) {
	if s.creds == nil {
		return "", "", ""
	}
	return s.creds.APIKey, s.creds.Secret, s.creds.Passphrase
}

// --- helpers internos ---

// signedOrderBody serializa un SignedOrder al JSON que espera POST /order.
func signedOrderBody(signed *gomodel.SignedOrder, tokenID, side string) map[string]any {
	return map[string]any{
		"salt":          signed.Order.Salt.String(),
		"maker":         signed.Order.Maker.Hex(),
		"signer":        signed.Order.Signer.Hex(),
		"taker":         signed.Order.Taker.Hex(),
		"tokenId":       tokenID,
		"makerAmount":   signed.Order.MakerAmount.String(),
		"takerAmount":   signed.Order.TakerAmount.String(),
		"expiration":    signed.Order.Expiration.String(),
		"nonce":         signed.Order.Nonce.String(),
		"feeRateBps":    signed.Order.FeeRateBps.String(),
		"side":          strings.ToUpper(side),
		"signatureType": int(signed.Order.SignatureType.Int64()),
		"signature":     "0x" + hex.EncodeToString(signed.Signature),
	}
}

// Type hashes EIP-712 (computados una vez).
var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	clobAuthTypeHash = crypto.Keccak256Hash([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)",
	))
)

// clobAuthDomainSeparator computa el domain separator de ClobAuthDomain.
func clobAuthDomainSeparator() common.Hash {
	var buf []byte
	buf = append(buf, eip712DomainTypeHash.Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainName)).Bytes()...)
	buf = append(buf, crypto.Keccak256Hash([]byte(clobDomainVersion)).Bytes()...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(polygonChainID).Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// signClobAuth firma el typed data ClobAuth para auth L1.
func (s *Signer) signClobAuth(timestamp, nonce string) (string, error) {
	nonceInt, ok := new(big.Int).SetString(nonce, 10)
	if !ok {
		return "", fmt.Errorf("invalid nonce: %s", nonce)
	}

	var structBuf []byte
	structBuf = append(structBuf, clobAuthTypeHash.Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(s.address.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(timestamp)).Bytes()...)
	structBuf = append(structBuf, common.LeftPadBytes(nonceInt.Bytes(), 32)...)
	structBuf = append(structBuf, crypto.Keccak256Hash([]byte(clobAuthMessage)).Bytes()...)
	structHash := crypto.Keccak256Hash(structBuf)

	var rawBuf []byte
	rawBuf = append(rawBuf, 0x19, 0x01)
	rawBuf = append(rawBuf, clobAuthDomainSeparator().Bytes()...)
	rawBuf = append(rawBuf, structHash.Bytes()...)
	msgHash := crypto.Keccak256Hash(rawBuf)

	sig, err := crypto.Sign(msgHash.Bytes(), s.privateKey)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + fmt.Sprintf("%x", sig), nil
}

// detectPricePrecision devuelve el multiplicador acorde al tick del mercado.
// ej. price=0.60 → 100 (tick 0.01), price=0.673 → 1000 (tick 0.001).
func detectPricePrecision(price float64) int64 {
	for _, prec := range []int64{100, 1000, 10000} {
		rounded := math.Round(price * float64(prec))
		if math.Abs(rounded/float64(prec)-price) < 1e-10 {
			return prec
		}
	}
	return 100
}
