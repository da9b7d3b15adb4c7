package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/abjerry97/duespay/api"
	"github.com/abjerry97/duespay/internal/flow"
	"github.com/abjerry97/duespay/internal/validation"
)

type flowView struct {
	*flow.Flow
	Total           string            `json:"total"`
	CompulsoryTotal string            `json:"compulsory_total"`
	SelectedItems   []api.PaymentItem `json:"selected_items"`
	RequiredFields  []string          `json:"required_fields"`
	CanGoBack       bool              `json:"can_go_back"`
}

func newFlowView(f *flow.Flow) flowView {
	return flowView{
		Flow:            f,
		Total:           f.Total().StringFixed(2),
		CompulsoryTotal: f.CompulsoryTotal().StringFixed(2),
		SelectedItems:   f.SelectedItems(),
		RequiredFields:  validation.RequiredFields(f.Association.Type),
		CanGoBack:       f.Stage == flow.StageSelection || f.Stage == flow.StageUpload,
	}
}

func (s *APIServer) respondFlow(c *gin.Context, status int, f *flow.Flow) {
	c.JSON(status, gin.H{
		"success": true,
		"flow":    newFlowView(f),
	})
}

func (s *APIServer) handleResolveAssociation(c *gin.Context) {
	host := c.DefaultQuery("host", c.Request.Host)
	path := c.DefaultQuery("path", "/")

	shortName, ok := flow.ResolveShortName(host, path, s.baseDomain)
	if !ok {
		s.respondError(c, api.NewError(api.ErrNotFound, "No association matches this address."))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "short_name": shortName})
}

func (s *APIServer) handleStartFlow(c *gin.Context) {
	var request struct {
		ShortName string `json:"short_name"`
		Path      string `json:"path"`
	}
	if err := c.ShouldBindJSON(&request); err != nil && err != io.EOF {
		s.respondError(c, api.NewError(api.ErrValidation, "Request body must be JSON."))
		return
	}

	shortName := strings.TrimSpace(request.ShortName)
	if shortName == "" {
		shortName, _ = flow.ResolveShortName(c.Request.Host, request.Path, s.baseDomain)
	}

	f, err := s.flows.Start(c.Request.Context(), shortName)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondFlow(c, http.StatusCreated, f)
}

func (s *APIServer) handleGetFlow(c *gin.Context) {
	f, err := s.flows.Get(c.Request.Context(), c.Param("flow_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondFlow(c, http.StatusOK, f)
}

func (s *APIServer) handleRegister(c *gin.Context) {
	var payer api.PayerData
	if err := c.ShouldBindJSON(&payer); err != nil {
		s.respondError(c, api.NewError(api.ErrValidation, "Request body must be JSON."))
		return
	}

	f, err := s.flows.Register(c.Request.Context(), c.Param("flow_id"), payer)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondFlow(c, http.StatusOK, f)
}

func (s *APIServer) handleToggleItem(c *gin.Context) {
	itemID, err := strconv.ParseInt(c.Param("item_id"), 10, 64)
	if err != nil {
		s.respondError(c, flow.ErrUnknownItem)
		return
	}

	f, err := s.flows.ToggleItem(c.Request.Context(), c.Param("flow_id"), itemID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondFlow(c, http.StatusOK, f)
}

func (s *APIServer) handleConfirmSelection(c *gin.Context) {
	f, err := s.flows.ConfirmSelection(c.Request.Context(), c.Param("flow_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondFlow(c, http.StatusOK, f)
}

func (s *APIServer) handleBack(c *gin.Context) {
	f, err := s.flows.Back(c.Request.Context(), c.Param("flow_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondFlow(c, http.StatusOK, f)
}

func (s *APIServer) handleSubmit(c *gin.Context) {
	header, err := c.FormFile("proof_file")
	if err != nil {
		s.respondError(c, flow.ErrProofRequired)
		return
	}
	if header.Size > s.maxProofBytes {
		s.respondError(c, flow.ErrProofTooLarge)
		return
	}

	file, err := header.Open()
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxProofBytes+1))
	if err != nil {
		s.respondError(c, err)
		return
	}

	proof := api.ProofFile{Filename: header.Filename, Data: data}
	f, err := s.flows.Submit(c.Request.Context(), c.Param("flow_id"), proof)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondFlow(c, http.StatusOK, f)
}
