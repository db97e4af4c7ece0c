// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rtb converts OpenRTB 2.x bid requests, the auction engine's
// native upstream format, into the fleet's internal wire shape.
package rtb

import (
	"errors"
	"strings"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/luxfi/bidfleet/pkg/bidding"
)

var ErrNoImpression = errors.New("bid request has no impression")

// FromOpenRTB maps an OpenRTB 2.x request onto the internal BidRequest.
// Only the first impression is considered; the auction engine fans multi-imp
// requests out before they reach the fleet.
func FromOpenRTB(req *openrtb2.BidRequest) (*bidding.BidRequest, error) {
	if len(req.Imp) == 0 {
		return nil, ErrNoImpression
	}
	imp := &req.Imp[0]

	return &bidding.BidRequest{
		AuctionID:   req.ID,
		PublisherID: extractPublisherID(req),
		AdSlotID:    imp.ID,
		AdSlotType:  slotType(imp),
		FloorPrice:  imp.BidFloor,
		UserContext: bidding.UserContext{
			CountryCode: extractGeoCountry(req),
			Device:      extractDeviceType(req),
			OS:          extractOS(req),
			Browser:     extractBrowser(req),
		},
		Timestamp: time.Now(),
	}, nil
}

func extractPublisherID(req *openrtb2.BidRequest) string {
	if req.Site != nil && req.Site.Publisher != nil {
		if req.Site.Publisher.Domain != "" {
			return req.Site.Publisher.Domain
		}
		return req.Site.Publisher.ID
	}
	if req.App != nil && req.App.Publisher != nil {
		return req.App.Publisher.ID
	}
	return ""
}

// slotType buckets the impression into the slot taxonomy the creatives'
// format map understands. Video start delay: 0 is pre-roll, -2 is generic
// post-roll, anything else mid-roll.
func slotType(imp *openrtb2.Imp) string {
	if imp.Video != nil {
		if imp.Video.StartDelay != nil {
			switch int64(*imp.Video.StartDelay) {
			case 0:
				return "video_pre_roll"
			case -2:
				return "video_post_roll"
			default:
				return "video_mid_roll"
			}
		}
		return "video_pre_roll"
	}
	if imp.Native != nil {
		return "native_feed"
	}
	return "banner_top"
}

func extractDeviceType(req *openrtb2.BidRequest) string {
	if req.Device == nil {
		return "desktop"
	}
	switch int64(req.Device.DeviceType) {
	case 3, 6, 7: // connected TV, connected device, set-top box
		return "ctv"
	case 1, 4, 5: // mobile/tablet, phone, tablet
		return "mobile"
	default:
		return "desktop"
	}
}

func extractGeoCountry(req *openrtb2.BidRequest) string {
	if req.Device != nil && req.Device.Geo != nil {
		return req.Device.Geo.Country
	}
	if req.User != nil && req.User.Geo != nil {
		return req.User.Geo.Country
	}
	return ""
}

func extractOS(req *openrtb2.BidRequest) string {
	if req.Device != nil {
		return strings.ToLower(req.Device.OS)
	}
	return ""
}

// extractBrowser takes a coarse guess from the user agent; the targeting
// sets use the same family names.
func extractBrowser(req *openrtb2.BidRequest) string {
	if req.Device == nil {
		return ""
	}
	ua := strings.ToLower(req.Device.UA)
	switch {
	case strings.Contains(ua, "edg"):
		return "edge"
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case strings.Contains(ua, "safari") && !strings.Contains(ua, "chrome"):
		return "safari"
	case strings.Contains(ua, "chrome"):
		return "chrome"
	default:
		return ""
	}
}
