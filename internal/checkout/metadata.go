package checkout

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Flat metadata keys carried on the checkout session. Product ids, quantities and
// variant SKUs are parallel comma-joined sequences aligned by index. A sequence
// longer than one value continues under <key>_1, <key>_2 and so on.
const (
	MetadataKeyVersion    = "metadata_version"
	MetadataKeyBuyerID    = "buyer_id"
	MetadataKeyBuyerEmail = "buyer_email"
	MetadataKeyCustomerID = "customer_id"
	MetadataKeyProductIDs = "product_ids"
	MetadataKeyQuantities = "quantities"
	MetadataKeyVariantSKU = "variant_skus"
	MetadataKeyCoupon     = "coupon_code"

	MetadataVersion = "1"

	maxMetadataValueLen = 500
	maxMetadataKeys     = 50
	listSeparator       = ","
)

// ErrInvalidMetadata marks a metadata bundle that cannot reconstruct an order.
var ErrInvalidMetadata = errors.New("invalid checkout metadata")

// MetadataLine is one ordered line reconstructed from metadata.
type MetadataLine struct {
	ProductID  uuid.UUID
	Quantity   int
	VariantSKU string
}

// Metadata is everything needed to rebuild an order without the original cart.
type Metadata struct {
	BuyerID    string
	BuyerEmail string
	CustomerID string
	CouponCode string
	Lines      []MetadataLine
}

// Encode flattens the bundle into a string map.
func (m Metadata) Encode() (map[string]string, error) {
	if m.BuyerID == "" || m.BuyerEmail == "" {
		return nil, fmt.Errorf("%w: buyer id and email required", ErrInvalidMetadata)
	}
	if len(m.Lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line required", ErrInvalidMetadata)
	}

	ids := make([]string, len(m.Lines))
	qtys := make([]string, len(m.Lines))
	skus := make([]string, len(m.Lines))
	for i, line := range m.Lines {
		if strings.Contains(line.VariantSKU, listSeparator) {
			return nil, fmt.Errorf("%w: variant sku %q contains a comma", ErrInvalidMetadata, line.VariantSKU)
		}
		ids[i] = line.ProductID.String()
		qtys[i] = strconv.Itoa(line.Quantity)
		skus[i] = line.VariantSKU
	}

	out := map[string]string{
		MetadataKeyVersion:    MetadataVersion,
		MetadataKeyBuyerID:    m.BuyerID,
		MetadataKeyBuyerEmail: m.BuyerEmail,
	}
	if m.CustomerID != "" {
		out[MetadataKeyCustomerID] = m.CustomerID
	}
	if m.CouponCode != "" {
		out[MetadataKeyCoupon] = m.CouponCode
	}
	for key, value := range out {
		if len(value) > maxMetadataValueLen {
			return nil, fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidMetadata, key, maxMetadataValueLen)
		}
	}
	for _, seq := range []struct {
		key   string
		items []string
	}{
		{MetadataKeyProductIDs, ids},
		{MetadataKeyQuantities, qtys},
		{MetadataKeyVariantSKU, skus},
	} {
		chunks, err := chunkSequence(seq.key, seq.items)
		if err != nil {
			return nil, err
		}
		for i, chunk := range chunks {
			out[continuationKey(seq.key, i)] = chunk
		}
	}
	if len(out) > maxMetadataKeys {
		return nil, fmt.Errorf("%w: %d keys exceed the limit of %d", ErrInvalidMetadata, len(out), maxMetadataKeys)
	}
	return out, nil
}

// DecodeMetadata rebuilds the bundle, requiring equal-length sequences. A
// missing variant_skus key means no line has a variant.
func DecodeMetadata(raw map[string]string) (Metadata, error) {
	if v, ok := raw[MetadataKeyVersion]; ok && v != MetadataVersion {
		return Metadata{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidMetadata, v)
	}

	m := Metadata{
		BuyerID:    strings.TrimSpace(raw[MetadataKeyBuyerID]),
		BuyerEmail: strings.TrimSpace(raw[MetadataKeyBuyerEmail]),
		CustomerID: strings.TrimSpace(raw[MetadataKeyCustomerID]),
		CouponCode: strings.TrimSpace(raw[MetadataKeyCoupon]),
	}
	if m.BuyerID == "" {
		return Metadata{}, fmt.Errorf("%w: %s missing", ErrInvalidMetadata, MetadataKeyBuyerID)
	}
	if m.BuyerEmail == "" {
		return Metadata{}, fmt.Errorf("%w: %s missing", ErrInvalidMetadata, MetadataKeyBuyerEmail)
	}

	rawIDs, ok := joinSequence(raw, MetadataKeyProductIDs)
	if !ok || strings.TrimSpace(rawIDs) == "" {
		return Metadata{}, fmt.Errorf("%w: %s missing", ErrInvalidMetadata, MetadataKeyProductIDs)
	}
	rawQty, ok := joinSequence(raw, MetadataKeyQuantities)
	if !ok || strings.TrimSpace(rawQty) == "" {
		return Metadata{}, fmt.Errorf("%w: %s missing", ErrInvalidMetadata, MetadataKeyQuantities)
	}

	ids := strings.Split(rawIDs, listSeparator)
	qtys := strings.Split(rawQty, listSeparator)
	skus := make([]string, len(ids))
	if rawSKUs, ok := joinSequence(raw, MetadataKeyVariantSKU); ok {
		skus = strings.Split(rawSKUs, listSeparator)
	}
	if len(ids) != len(qtys) || len(ids) != len(skus) {
		return Metadata{}, fmt.Errorf("%w: sequence lengths differ (products=%d quantities=%d skus=%d)",
			ErrInvalidMetadata, len(ids), len(qtys), len(skus))
	}

	m.Lines = make([]MetadataLine, 0, len(ids))
	for i := range ids {
		productID, err := uuid.Parse(strings.TrimSpace(ids[i]))
		if err != nil {
			return Metadata{}, fmt.Errorf("%w: product id at %d: %v", ErrInvalidMetadata, i, err)
		}
		qty, err := strconv.Atoi(strings.TrimSpace(qtys[i]))
		if err != nil || qty < 1 {
			return Metadata{}, fmt.Errorf("%w: quantity at %d must be a positive integer", ErrInvalidMetadata, i)
		}
		m.Lines = append(m.Lines, MetadataLine{
			ProductID:  productID,
			Quantity:   qty,
			VariantSKU: strings.TrimSpace(skus[i]),
		})
	}
	return m, nil
}

// chunkSequence packs items into comma-joined values that each fit one metadata value.
func chunkSequence(key string, items []string) ([]string, error) {
	var (
		chunks  []string
		current strings.Builder
		started bool
	)
	for _, item := range items {
		if len(item) > maxMetadataValueLen {
			return nil, fmt.Errorf("%w: %s item exceeds %d characters", ErrInvalidMetadata, key, maxMetadataValueLen)
		}
		if started && current.Len()+len(listSeparator)+len(item) > maxMetadataValueLen {
			chunks = append(chunks, current.String())
			current.Reset()
			started = false
		}
		if started {
			current.WriteString(listSeparator)
		}
		current.WriteString(item)
		started = true
	}
	return append(chunks, current.String()), nil
}

func continuationKey(key string, index int) string {
	if index == 0 {
		return key
	}
	return key + "_" + strconv.Itoa(index)
}

// joinSequence reassembles a sequence from its base key and any continuation keys.
func joinSequence(raw map[string]string, key string) (string, bool) {
	first, ok := raw[key]
	if !ok {
		return "", false
	}
	parts := []string{first}
	for i := 1; ; i++ {
		next, ok := raw[continuationKey(key, i)]
		if !ok {
			break
		}
		parts = append(parts, next)
	}
	return strings.Join(parts, listSeparator), true
}
