package monitor

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"shelfwatch/pkg/dispatch"
)

// ErrShapeMismatch is returned when a 200 body does not contain the
// expected JSON paths. The remote schema is outside our control; a
// mismatch is schema drift, not a hard failure.
var ErrShapeMismatch = errors.New("response shape mismatch")

// StockInfo is the availability snapshot extracted from one fulfillment
// response.
type StockInfo struct {
	Quantity     float64
	LocationName string
}

// ExtractStock pulls the available-to-promise quantity for storeID out of
// a fulfillment response body. The remote sends location_id as either a
// string or a number; both compare against storeID textually.
func ExtractStock(body []byte, storeID string) (StockInfo, error) {
	options := gjson.GetBytes(body, "data.product.fulfillment.store_options")
	if !options.IsArray() {
		return StockInfo{}, fmt.Errorf("%w: missing store_options", ErrShapeMismatch)
	}

	var info StockInfo
	found := false
	options.ForEach(func(_, store gjson.Result) bool {
		if store.Get("location_id").String() != storeID {
			return true
		}
		found = true
		info.Quantity = store.Get("location_available_to_promise_quantity").Float()
		info.LocationName = store.Get("store.location_name").String()
		return false
	})

	if !found {
		return StockInfo{}, fmt.Errorf("%w: store %s not in store_options", ErrShapeMismatch, storeID)
	}
	if info.LocationName == "" {
		info.LocationName = "Unknown Store"
	}
	return info, nil
}

// PriceInfo is the pricing snapshot extracted from one summary response.
type PriceInfo struct {
	CurrentRetail  float64
	FormattedPrice string
	Title          string
}

// ExtractPrice pulls the current retail price out of a product summary
// response body.
func ExtractPrice(body []byte) (PriceInfo, error) {
	product := gjson.GetBytes(body, "data.product")
	if !product.Exists() {
		return PriceInfo{}, fmt.Errorf("%w: missing data.product", ErrShapeMismatch)
	}

	info := PriceInfo{
		CurrentRetail:  product.Get("price.current_retail").Float(),
		FormattedPrice: product.Get("price.formatted_current_price").String(),
		Title:          product.Get("item.product_description.title").String(),
	}
	if info.FormattedPrice == "" {
		info.FormattedPrice = fmt.Sprintf("$%.2f", info.CurrentRetail)
	}
	if info.Title == "" {
		info.Title = "Unknown Product"
	}
	return info, nil
}

// StockShapeCheck returns the classifier shape check for fulfillment
// responses scoped to one store.
func StockShapeCheck(storeID string) func(body []byte) bool {
	return func(body []byte) bool {
		_, err := ExtractStock(body, storeID)
		return err == nil
	}
}

// PriceShapeCheck is the classifier shape check for summary responses.
func PriceShapeCheck() func(body []byte) bool {
	return func(body []byte) bool {
		_, err := ExtractPrice(body)
		return err == nil
	}
}

// StockDescriptor builds the fulfillment request for one check. The
// identity's session token rides along as the visitor correlation value,
// so it rotates together with the rest of the identity.
func StockDescriptor(cfg Config, sessionToken string) dispatch.Descriptor {
	return dispatch.Descriptor{
		Kind: dispatch.KindStock,
		Params: map[string]string{
			"key":                         cfg.APIKey,
			"tcin":                        cfg.TCIN,
			"store_id":                    cfg.StoreID,
			"required_store_id":           cfg.StoreID,
			"scheduled_delivery_store_id": cfg.StoreID,
			"zip":                         cfg.Zip,
			"state":                       cfg.State,
			"latitude":                    cfg.Latitude,
			"longitude":                   cfg.Longitude,
			"visitor_id":                  sessionToken,
			"paid_membership":             "false",
			"base_membership":             "false",
			"card_membership":             "false",
			"is_bot":                      "false",
			"channel":                     "WEB",
			"page":                        "/p/A-" + cfg.TCIN,
		},
	}
}

// PriceDescriptor builds the pricing request for one check.
func PriceDescriptor(cfg Config) dispatch.Descriptor {
	return dispatch.Descriptor{
		Kind: dispatch.KindPrice,
		Params: map[string]string{
			"key":              cfg.APIKey,
			"tcin":             cfg.TCIN,
			"pricing_store_id": cfg.StoreID,
		},
	}
}
