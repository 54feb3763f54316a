package handler

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"aerosol/internal/filestore"
	"aerosol/internal/middleware"
	"aerosol/internal/service"
	"aerosol/internal/vaultpath"
)

// FileHandler serves whole-file reads and writes of the vault.
type FileHandler struct {
	Vault *service.VaultService
}

type putFileBody struct {
	Filename string  `json:"filename"`
	Contents *string `json:"contents"`
}

// parsePath validates raw as a vault path. Paths the vault scan skips
// (dot directories and temp files) are refused so that every accepted
// write stays visible to the checksum index after a restart.
func parsePath(raw string) (vaultpath.Path, error) {
	p, err := parsePath(raw)
	if err != nil {
		return "", err
	}
	if filestore.Ignored(p.String()) {
		return "", fmt.Errorf("%s is not synced", p)
	}
	return p, nil
}

// pathParam reads and validates a vault path from the query string. It
// writes the 400 response itself and reports whether the caller may go on.
func pathParam(c *gin.Context, name string) (vaultpath.Path, bool) {
	raw := c.Query(name)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " is required"})
		return "", false
	}
	p, err := parsePath(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return p, true
}

// Get handles GET /file.
func (h *FileHandler) Get(c *gin.Context) {
	p, ok := pathParam(c, "filename")
	if !ok {
		return
	}
	data, err := h.Vault.Read(p)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contents": base64.StdEncoding.EncodeToString(data)})
}

// Put handles PUT /file.
func (h *FileHandler) Put(c *gin.Context) {
	var body putFileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "filename is required"})
		return
	}
	if body.Contents == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contents is required"})
		return
	}
	p, err := parsePath(body.Filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := base64.StdEncoding.DecodeString(*body.Contents)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contents must be base64"})
		return
	}

	fp, err := h.Vault.Write(c.Request.Context(), p, data)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checksum": fp})
}

// Delete handles DELETE /file.
func (h *FileHandler) Delete(c *gin.Context) {
	p, ok := pathParam(c, "filename")
	if !ok {
		return
	}
	if err := h.Vault.Delete(c.Request.Context(), p); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Rename handles PATCH /file. An existing target answers 400 and leaves
// both paths untouched.
func (h *FileHandler) Rename(c *gin.Context) {
	oldPath, ok := pathParam(c, "filename")
	if !ok {
		return
	}
	newPath, ok := pathParam(c, "newFilename")
	if !ok {
		return
	}
	if err := h.Vault.Rename(c.Request.Context(), oldPath, newPath); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
