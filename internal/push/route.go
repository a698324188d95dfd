package push

import (
	"fmt"
	"net/url"
)

// Notification types with a dedicated destination.
const (
	TypeHotProspect      = "hot_prospect"
	TypeInactiveProspect = "inactive_prospect"
	TypeUrgentTask       = "urgent_task"
	TypeConversion       = "conversion"
	TypeGoalAchieved     = "goal_achieved"
	TypeNewMessage       = "new_message"
	TypeBookingRequest   = "booking_request"
)

const (
	routeProspecting = "/admin/prospecting"
	routeMessages    = "/messages"
	routeDashboard   = "/dashboard"
)

// Route resolves the in-app path a notification with this data opens.
// Unknown or missing types go to the prospecting root.
func Route(data map[string]any) string {
	typ, _ := data["type"].(string)
	switch typ {
	case TypeHotProspect, TypeInactiveProspect:
		if id := idField(data, "prospectId"); id != "" {
			return routeProspecting + "?prospect=" + url.QueryEscape(id)
		}
		return routeProspecting
	case TypeUrgentTask:
		return routeProspecting + "?tab=tasks"
	case TypeConversion, TypeGoalAchieved:
		return routeProspecting + "?tab=analytics"
	case TypeNewMessage:
		if id := idField(data, "conversationId"); id != "" {
			return routeMessages + "?conversation=" + url.QueryEscape(id)
		}
		return routeMessages
	case TypeBookingRequest:
		return routeDashboard
	default:
		return routeProspecting
	}
}

// idField accepts string and numeric ids; JSON numbers decode as float64.
func idField(data map[string]any, name string) string {
	switch v := data[name].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int, int64:
		return fmt.Sprint(v)
	default:
		return ""
	}
}
