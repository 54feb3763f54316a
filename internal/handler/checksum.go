package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aerosol/internal/middleware"
	"aerosol/internal/service"
)

type ChecksumHandler struct {
	Vault *service.VaultService
}

// Checksum handles GET /checksum. Without a filename it answers the
// aggregate of the whole vault.
func (h *ChecksumHandler) Checksum(c *gin.Context) {
	if c.Query("filename") == "" {
		c.JSON(http.StatusOK, gin.H{"checksum": h.Vault.Aggregate()})
		return
	}
	p, ok := pathParam(c, "filename")
	if !ok {
		return
	}
	fp, err := h.Vault.FileChecksum(p)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checksum": fp})
}

// Checksums handles GET /checksums with the fingerprint of every file.
func (h *ChecksumHandler) Checksums(c *gin.Context) {
	entries := h.Vault.Checksums()
	out := make(map[string]string, len(entries))
	for p, fp := range entries {
		out[p.String()] = string(fp)
	}
	c.JSON(http.StatusOK, out)
}
