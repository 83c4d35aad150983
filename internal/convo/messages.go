package convo

import (
	"fmt"
	"strings"

	"nutri-de-bolso/internal/oracle"
	"nutri-de-bolso/internal/repo"
)

const (
	msgWelcome = "👋 Olá! Eu sou o *Nutri de Bolso*, seu assistente nutricional no WhatsApp!\n\n" +
		"Vou te ajudar a acompanhar sua dieta e atingir seus objetivos.\n\n" +
		"Para começar, qual é o seu nome?"

	msgAskReportTime = "✅ Dieta registrada com sucesso!\n\n" +
		"Agora, a que horas você quer receber seu *relatório diário*?\n\n" +
		"Envie no formato HH:MM (ex: 21:00)"

	msgNameNotText  = "Por favor, me envie seu nome em texto."
	msgNameTooShort = "Nome muito curto. Qual é o seu nome?"

	msgDietAnalysingText  = "📊 Analisando sua dieta..."
	msgDietAnalysingImage = "📊 Analisando a imagem da sua dieta..."
	msgDietAnalysingPDF   = "📊 Analisando o PDF da sua dieta..."
	msgDietSendPDF        = "Por favor, envie um arquivo PDF."
	msgDietUnsupported    = "Por favor, envie sua dieta como texto, imagem ou PDF."
	msgDietNotUnderstood  = "❌ Não consegui entender sua dieta. Tente enviar de outra forma ou com mais detalhes."

	msgTimeNotText = "Por favor, envie o horário no formato HH:MM (ex: 21:00)"
	msgTimeInvalid = "Formato inválido. Envie no formato HH:MM (ex: 21:00)"

	msgHelp = "📚 *Comandos disponíveis:*\n\n" +
		"📸 Envie uma *foto* da refeição para registrar\n" +
		"📊 Digite *\"resumo\"* para ver o progresso do dia\n" +
		"❓ Faça *perguntas* sobre sua dieta\n\n" +
		"Exemplo de perguntas:\n" +
		"• \"Posso comer pizza hoje?\"\n" +
		"• \"Quantas calorias faltam?\"\n" +
		"• \"O que devo comer no jantar?\""

	msgQuestionNoDiet   = "❌ Não encontrei sua dieta. Por favor, envie novamente."
	msgDocumentReceived = "📄 Para atualizar sua dieta, me envie um PDF ou imagem. Para registrar refeições, envie fotos!"
	msgFallback         = "🤔 Não entendi. Envie uma foto da refeição ou digite 'ajuda' para ver os comandos."
	msgGenericFailure   = "❌ Ops! Algo deu errado. Tente novamente em alguns segundos."

	msgMealAnalysing = "🍽️ Analisando sua refeição..."
	msgMealNoDiet    = "❌ Não encontrei sua dieta. Por favor, configure novamente."
	msgMealFailed    = "❌ Não consegui analisar a imagem. Tente enviar uma foto mais clara do prato."

	msgSummaryFailed = "❌ Erro ao gerar resumo."
	msgSummaryNoDiet = "❌ Dieta não encontrada."

	reportHeader = "📊 *Relatório do Dia*\n\n"
)

func askDietMessage(name string) string {
	return fmt.Sprintf("Prazer, %s! 🎉\n\n"+
		"Agora preciso conhecer sua dieta. Você pode:\n"+
		"📄 Enviar um *PDF* da sua dieta\n"+
		"📸 Enviar uma *foto/print* da dieta\n"+
		"✍️ Ou *digitar* as informações\n\n"+
		"Mande como preferir!", name)
}

func completeMessage(reportTime string) string {
	return fmt.Sprintf("🎉 Tudo pronto! Seu relatório diário chegará às %s.\n\n"+
		"A partir de agora você pode:\n"+
		"📸 Enviar *fotos das refeições* para eu calcular as calorias\n"+
		"❓ Fazer *perguntas* sobre sua dieta\n"+
		"📊 Receber um *relatório diário* no horário que você escolheu\n\n"+
		"Bora começar? Manda a foto da sua próxima refeição! 💪", reportTime)
}

func dietSummaryMessage(d repo.DietContent) string {
	var b strings.Builder
	b.WriteString("📋 *Dieta identificada:*\n")
	fmt.Fprintf(&b, "• Calorias: %s kcal/dia\n", oracle.FormatNumber(d.DailyCalories))
	fmt.Fprintf(&b, "• Proteína: %sg\n", oracle.FormatNumber(d.DailyProtein))
	fmt.Fprintf(&b, "• Carboidratos: %sg\n", oracle.FormatNumber(d.DailyCarbs))
	fmt.Fprintf(&b, "• Gordura: %sg\n", oracle.FormatNumber(d.DailyFat))
	fmt.Fprintf(&b, "• Refeições: %d", len(d.Meals))
	return b.String()
}

func mealRegisteredMessage(a repo.MealAnalysis, feedback string) string {
	var b strings.Builder
	b.WriteString("📊 *Refeição registrada!*\n\n")
	for _, f := range a.Foods {
		fmt.Fprintf(&b, "• %s (%s): %s kcal\n", f.Name, f.Portion, oracle.FormatNumber(f.Calories))
	}
	fmt.Fprintf(&b, "\n*Total:* %s kcal\n", oracle.FormatNumber(a.TotalCalories))
	fmt.Fprintf(&b, "P: %sg | C: %sg | G: %sg\n\n",
		oracle.FormatNumber(a.TotalProtein), oracle.FormatNumber(a.TotalCarbs), oracle.FormatNumber(a.TotalFat))
	b.WriteString("---\n")
	b.WriteString(feedback)
	return b.String()
}

func summaryMessage(s Summary) string {
	n := oracle.FormatNumber
	progress := "sem meta definida"
	if s.HasProgress {
		progress = fmt.Sprintf("%d%%", s.ProgressPercent)
	}

	var b strings.Builder
	b.WriteString("📊 *Resumo do dia*\n\n")
	b.WriteString("*Consumido:*\n")
	fmt.Fprintf(&b, "• Calorias: %s / %s kcal (%s)\n", n(s.Consumed.Calories), n(s.Target.DailyCalories), progress)
	fmt.Fprintf(&b, "• Proteína: %sg / %sg\n", n(s.Consumed.Protein), n(s.Target.DailyProtein))
	fmt.Fprintf(&b, "• Carboidratos: %sg / %sg\n", n(s.Consumed.Carbs), n(s.Target.DailyCarbs))
	fmt.Fprintf(&b, "• Gordura: %sg / %sg\n\n", n(s.Consumed.Fat), n(s.Target.DailyFat))
	b.WriteString("*Restante:*\n")
	fmt.Fprintf(&b, "• Calorias: %s kcal\n", n(s.Remaining.Calories))
	fmt.Fprintf(&b, "• Proteína: %sg\n", n(s.Remaining.Protein))
	fmt.Fprintf(&b, "• Carboidratos: %sg\n", n(s.Remaining.Carbs))
	fmt.Fprintf(&b, "• Gordura: %sg\n\n", n(s.Remaining.Fat))
	fmt.Fprintf(&b, "*Refeições registradas:* %d", s.Consumed.MealCount)
	return b.String()
}
