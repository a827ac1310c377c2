package guidesync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type GuideJwt struct {
	GuideId   string
	UserId    Id
	Anonymous bool
}

// decodes the claims without verifying the signature. The server verifies;
// clients only need the claims for display and routing.
func ParseGuideJwtUnverified(byJwt string) (*GuideJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	guideJwt := &GuideJwt{}

	if guideId, ok := claims["guide_id"]; ok {
		if guideIdStr, ok := guideId.(string); ok {
			guideJwt.GuideId = guideIdStr
		}
	}
	if userIdStr, ok := claims["user_id"]; ok {
		if s, ok := userIdStr.(string); ok {
			if userId, err := ParseId(s); err == nil {
				guideJwt.UserId = userId
			}
		}
	}
	if anonymous, ok := claims["anonymous"]; ok {
		if anonymousBool, ok := anonymous.(bool); ok {
			guideJwt.Anonymous = anonymousBool
		}
	}

	return guideJwt, nil
}
