package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/goghmarket/goghd/internal/analytics"
	"github.com/goghmarket/goghd/internal/docstore"
	"github.com/goghmarket/goghd/internal/signing"
)

var escrowIDPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{40}$`)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleGetEscrow returns the mirrored escrow document, with an
// `expired` field derived from the configured expiry window.
func (s *Server) handleGetEscrow(c *gin.Context) {
	id := strings.ToLower(c.Param("id"))
	if !escrowIDPattern.MatchString(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid escrow id"})
		return
	}
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}

	doc, err := s.store.FindOne(c.Request.Context(), docstore.Escrows, docstore.Filter{"escrowId": id})
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found"})
			return
		}
		s.logger.Error("failed to load escrow", "escrow_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	resp := gin.H{}
	for _, k := range []string{
		"uid", "escrowId", "token", "owner", "recipient", "amount",
		"timestamp", "released", "canceled", "lastUpdated",
		"buyerSignature", "sellerSignature",
		"releaseTxHash", "cancelationTxHash", "attestation",
	} {
		if v, ok := doc[k]; ok {
			resp[k] = v
		}
	}
	resp["expired"] = s.isExpired(doc)
	s.recordImpression(c, doc)
	c.JSON(http.StatusOK, resp)
}

// isExpired derives expiry from the creation timestamp. Released or
// canceled escrows never expire.
func (s *Server) isExpired(doc docstore.Document) bool {
	if s.cfg.EscrowExpiryMs <= 0 {
		return false
	}
	if released, _ := doc["released"].(bool); released {
		return false
	}
	if canceled, _ := doc["canceled"].(bool); canceled {
		return false
	}
	created := asInt64(doc["timestamp"])
	if created == 0 {
		return false
	}
	return created+s.cfg.EscrowExpiryMs < time.Now().UnixMilli()
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// recordImpression counts the escrow view against its product, off the
// request path.
func (s *Server) recordImpression(c *gin.Context, doc docstore.Document) {
	if s.recorder == nil {
		return
	}
	uid := asInt64(doc["uid"])
	if uid == 0 {
		return
	}
	imp := analytics.Impression{
		ProductID: fmt.Sprintf("%d", uid),
		Platform:  strings.Trim(c.GetHeader("Sec-CH-UA-Platform"), `"`),
		Browser:   browserFromUserAgent(c.GetHeader("User-Agent")),
		Referer:   refererHost(c.GetHeader("Referer")),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.recorder.Record(ctx, imp)
	}()
}

func browserFromUserAgent(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case strings.Contains(ua, "edg"):
		return "edge"
	case strings.Contains(ua, "chrome"):
		return "chrome"
	case strings.Contains(ua, "safari"):
		return "safari"
	case ua == "":
		return ""
	default:
		return "other"
	}
}

func refererHost(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// handleGetEscrowLogs returns the transition flags for an escrow. Flags
// the synchronizer has not written yet are filled in as false; an escrow
// with no logs document at all is a 404.
func (s *Server) handleGetEscrowLogs(c *gin.Context) {
	id := strings.ToLower(c.Param("id"))
	if !escrowIDPattern.MatchString(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid escrow id"})
		return
	}
	if !strings.HasPrefix(id, "0x") {
		id = "0x" + id
	}

	doc, err := s.store.FindOne(c.Request.Context(), docstore.Logs, docstore.Filter{"escrowId": id})
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found"})
			return
		}
		s.logger.Error("failed to load escrow logs", "escrow_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	for _, flag := range []string{
		"createdEscrow", "signedBuyer", "signedSeller",
		"releasedEscrow", "canceledEscrow", "attestationCreated",
	} {
		if _, ok := doc[flag]; !ok {
			doc[flag] = false
		}
	}
	c.JSON(http.StatusOK, doc)
}

// handleSignPurchase records one party's signature over the purchase terms.
func (s *Server) handleSignPurchase(c *gin.Context) {
	var pkt signing.Packet
	if err := c.ShouldBindJSON(&pkt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	res, err := s.signer.SignPurchase(c.Request.Context(), pkt)
	if err != nil {
		switch {
		case errors.Is(err, signing.ErrInvalidPacket):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, signing.ErrUnknownEscrowOrSigner):
			c.JSON(http.StatusNotFound, gin.H{"error": "no escrow matches the signer"})
		default:
			s.logger.Error("sign purchase failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, res)
}

// handleGetAnalytics returns the latest impression bucket for a product.
func (s *Server) handleGetAnalytics(c *gin.Context) {
	id := c.Param("id")
	if !analytics.ValidProductID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}

	doc, err := s.recorder.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no analytics for product"})
			return
		}
		s.logger.Error("failed to load analytics", "product_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, doc)
}
