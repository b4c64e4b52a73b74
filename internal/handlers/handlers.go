package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/schema"

	"github.com/example/face-enroll/internal/enrollment"
	"github.com/example/face-enroll/internal/identity"
	"github.com/example/face-enroll/internal/imagecodec"
	"github.com/example/face-enroll/internal/usecase"
)

// MaxUploadSize is the largest multipart image accepted.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for the form fields around the file.
const multipartOverhead = 1 << 20

// jsonOverhead bounds the non-image part of a JSON body, and whole bodies
// that carry no image.
const jsonOverhead = 64 << 10

// MaxBatchImages is the largest image count one batch body is sized for.
const MaxBatchImages = 10

var formDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

type uploadForm struct {
	StudentID   string `schema:"studentId"`
	StudentName string `schema:"studentName"`
	ClassName   string `schema:"className"`
	Position    string `schema:"position"`
}

type lookupRequest struct {
	StudentID string `json:"studentId"`
}

type detectRequest struct {
	Image string `json:"image"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.EnrollmentUseCase, authMiddleware gin.HandlerFunc) {
	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.Health(c.Request.Context()))
	}
	router.GET("/health", health)

	api := router.Group("/api")
	api.GET("/health", health)

	smallBody := limitBody(jsonOverhead)
	imageBody := limitBody(jsonBodyLimit(uc.MaxImageBytes(), 1))
	batchBody := limitBody(jsonBodyLimit(uc.MaxImageBytes(), MaxBatchImages))

	api.POST("/student/lookup", smallBody, func(c *gin.Context) {
		var req lookupRequest
		err := c.ShouldBindJSON(&req)
		if bodyTooLarge(c, err) {
			return
		}
		if err != nil || req.StudentID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Student ID is required"})
			return
		}

		subject, err := uc.LookupSubject(c.Request.Context(), req.StudentID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, enrollment.LookupResult{Success: true, Student: &subject})
		case errors.Is(err, usecase.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		case errors.Is(err, identity.ErrNotFound):
			c.JSON(http.StatusNotFound, enrollment.LookupResult{
				Message: fmt.Sprintf("Student ID %s not found", req.StudentID),
			})
		case uc.ManualEntryAllowed():
			c.JSON(http.StatusServiceUnavailable, enrollment.LookupResult{
				Message:            "Student lookup is unavailable, enter the details manually",
				ManualEntryAllowed: true,
			})
		default:
			c.JSON(http.StatusNotFound, enrollment.LookupResult{
				Message: fmt.Sprintf("Student ID %s not found or API error: %v", req.StudentID, err),
			})
		}
	})

	api.POST("/student/metadata", smallBody, func(c *gin.Context) {
		var req enrollment.MetadataRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if bodyTooLarge(c, err) {
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		metadata, err := uc.SaveMetadata(c.Request.Context(), req)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, usecase.ErrInvalidInput) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Metadata saved", "metadata": metadata})
	})

	api.POST("/process-image", imageBody, func(c *gin.Context) {
		var req enrollment.ProcessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if bodyTooLarge(c, err) {
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}
		res, status, err := uc.ProcessImage(c.Request.Context(), req)
		if errors.Is(err, usecase.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"success": false,
				"error":   "Face processing service unavailable",
				"message": err.Error(),
			})
			return
		}
		if status == 0 {
			status = http.StatusOK
		}
		c.JSON(status, res)
	})

	api.POST("/detect-faces", imageBody, func(c *gin.Context) {
		var req detectRequest
		if err := c.ShouldBindJSON(&req); bodyTooLarge(c, err) {
			return
		}
		c.JSON(http.StatusOK, uc.DetectFaces(c.Request.Context(), req.Image))
	})

	api.POST("/upload-image", imageBody, func(c *gin.Context) {
		var req enrollment.UploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if bodyTooLarge(c, err) {
				return
			}
			c.JSON(http.StatusBadRequest, enrollment.UploadResult{Error: "invalid request body"})
			return
		}
		res, err := uc.UploadImage(c.Request.Context(), req)
		switch {
		case errors.Is(err, usecase.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, enrollment.UploadResult{Error: err.Error()})
		case err != nil:
			c.JSON(http.StatusBadGateway, res)
		default:
			c.JSON(http.StatusOK, res)
		}
	})

	api.POST("/upload-images", batchBody, func(c *gin.Context) {
		var req enrollment.BatchUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if bodyTooLarge(c, err) {
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}
		res, err := uc.UploadBatch(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		status := http.StatusOK
		if !res.Success {
			status = http.StatusBadGateway
		}
		c.JSON(status, res)
	})

	api.POST("/face/upload", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
		if err := c.Request.ParseMultipartForm(MaxUploadSize); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "image exceeds the 10MB limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid multipart form"})
			return
		}

		var form uploadForm
		if err := formDecoder.Decode(&form, c.Request.PostForm); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid form fields"})
			return
		}

		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "image exceeds the 10MB limit"})
			return
		}
		if !imagecodec.Supported(file.Header.Get("Content-Type")) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"success": false, "error": "image must be JPEG, PNG or WebP"})
			return
		}

		data, err := readFile(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to read image"})
			return
		}

		res, err := uc.UploadFile(c.Request.Context(), usecase.FileUpload{
			StudentID:   form.StudentID,
			StudentName: form.StudentName,
			ClassName:   form.ClassName,
			Position:    form.Position,
			Filename:    file.Filename,
			Data:        data,
		})
		switch {
		case errors.Is(err, imagecodec.ErrUnsupportedFormat):
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"success": false, "error": err.Error()})
		case errors.Is(err, usecase.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		case err != nil:
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "Upload failed", "message": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"success": true, "message": "Image upload successful", "data": res})
		}
	})

	operator := api.Group("", authMiddleware)

	operator.GET("/students/:id/uploads", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		logs, err := uc.ListUploads(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"student_id": c.Param("id"), "uploads": logs})
	})

	operator.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	operator.GET("/debug/storage-config", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "success", "storage": uc.StorageStatus()})
	})
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
}

// jsonBodyLimit sizes a JSON body carrying the given number of base64
// images of at most maxImageBytes each.
func jsonBodyLimit(maxImageBytes int64, images int) int64 {
	if maxImageBytes <= 0 {
		maxImageBytes = MaxUploadSize
	}
	encoded := (maxImageBytes + 2) / 3 * 4
	return int64(images)*(encoded+jsonOverhead) + jsonOverhead
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// bodyTooLarge answers 413 when err came from an exceeded body limit.
func bodyTooLarge(c *gin.Context, err error) bool {
	var tooLarge *http.MaxBytesError
	if !errors.As(err, &tooLarge) {
		return false
	}
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"success": false,
		"error":   fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
	})
	return true
}
